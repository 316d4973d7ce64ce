package session

import "errors"

// Domain errors for the session package.
var (
	// ErrTransport is returned when the websocket cannot be opened or a
	// write to it fails. Pending requests released by a dropped connection
	// carry it wrapped inside ErrCancelled.
	ErrTransport = errors.New("session: transport error")

	// ErrTimeout is returned when no matching reply arrives in time.
	ErrTimeout = errors.New("session: timed out waiting for reply")

	// ErrBusy is returned when a request of the same reply kind is
	// already in flight.
	ErrBusy = errors.New("session: request of this kind already in flight")

	// ErrCancelled is returned to callers released by Stop, by transport
	// loss, or by their own context.
	ErrCancelled = errors.New("session: request cancelled")

	// ErrNotConnected is returned when a command is sent while the
	// websocket is down.
	ErrNotConnected = errors.New("session: not connected")

	// ErrNoAddress is returned by Start when no device address is set.
	ErrNoAddress = errors.New("session: no device address")
)
