package client

import "errors"

// Domain errors for the client package.
var (
	// ErrNotFound is returned when a pattern, control or variable does not
	// exist on the controller or on disk.
	ErrNotFound = errors.New("client: not found")

	// ErrUploadFailed is returned when the controller rejects a pattern upload.
	ErrUploadFailed = errors.New("client: pattern upload failed")

	// ErrDownloadFailed is returned when a pattern download fails.
	ErrDownloadFailed = errors.New("client: pattern download failed")

	// ErrUnexpectedReply is returned when a reply lacks the expected fields.
	ErrUnexpectedReply = errors.New("client: unexpected reply")

	// ErrInvalidPatternID is returned for a pattern id that could escape the
	// pattern directory or the controller's /p/ path.
	ErrInvalidPatternID = errors.New("client: invalid pattern id")

	// ErrInvalidBackup is returned when a backup archive cannot be read.
	ErrInvalidBackup = errors.New("client: invalid backup archive")
)
