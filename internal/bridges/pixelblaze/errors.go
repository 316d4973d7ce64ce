package pixelblaze

import "errors"

// Domain errors for the Pixelblaze bridge package.
var (
	// ErrUnknownCommand is returned when a message names no registered command.
	ErrUnknownCommand = errors.New("pixelblaze: unknown command")

	// ErrCommandRejected is returned for commands that manage the bridge
	// itself and may not be run from MQTT.
	ErrCommandRejected = errors.New("pixelblaze: command not allowed from MQTT")

	// ErrInvalidArgument is returned when a command argument has the wrong type.
	ErrInvalidArgument = errors.New("pixelblaze: invalid argument")

	// ErrQueueFull is returned when the command queue cannot accept a message.
	ErrQueueFull = errors.New("pixelblaze: command queue full")

	// ErrStopped is returned when a message arrives after Stop.
	ErrStopped = errors.New("pixelblaze: bridge stopped")
)
