// Package client provides typed operations on a single controller.
//
// A Client wraps a session and turns its raw command/reply exchange into
// calls such as PatternList, SetControls or StartSequencer. Patterns can
// be referred to by id or by name; names are resolved against the
// controller's pattern list.
//
// Pattern binaries move over the controller's HTTP server rather than the
// websocket: downloads from /p/<id>, uploads as a multipart POST to /edit.
// Files are kept as <id>.bin, exports as <name>.epe, and backups as zip
// archives of .bin entries with an index.txt of names.
//
// Settings can optionally be saved to the controller's flash memory. Flash
// wears out, so saving is off until EnableFlashSave is called and is rate
// limited after that.
package client
