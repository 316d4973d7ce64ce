package discovery

import "errors"

// Sentinel errors for discovery operations.
var (
	// ErrShortPacket is returned for datagrams too small to hold a header.
	ErrShortPacket = errors.New("discovery: packet too short")

	// ErrClosed is returned by Start on a listener that has been stopped.
	ErrClosed = errors.New("discovery: listener closed")

	// ErrBindFailed wraps socket bind errors.
	ErrBindFailed = errors.New("discovery: bind failed")
)
