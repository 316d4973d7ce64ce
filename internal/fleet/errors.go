package fleet

import "errors"

// Sentinel errors for fleet operations.
var (
	// ErrStopped indicates the manager has been stopped.
	ErrStopped = errors.New("fleet: manager stopped")

	// ErrInvalidDevice indicates a static device without an address.
	ErrInvalidDevice = errors.New("fleet: invalid device")

	// ErrNotFound indicates no managed controller has the given name.
	ErrNotFound = errors.New("fleet: controller not found")

	// ErrAddressInUse indicates another controller already owns an address.
	ErrAddressInUse = errors.New("fleet: address already managed")
)
