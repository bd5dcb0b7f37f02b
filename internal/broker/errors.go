package broker

import "errors"

// Sentinel errors returned by the broker. Callers should use errors.Is for
// comparison.
var (
	// ErrConnectionNotFound is returned when no connection is registered
	// under the given client id.
	ErrConnectionNotFound = errors.New("broker: connection not found")

	// ErrShuttingDown is returned by Connect once Shutdown has started.
	ErrShuttingDown = errors.New("broker: shutting down")

	// ErrInvalidMessage is returned when an inbound frame is not a JSON
	// object with a non-empty string "type" field.
	ErrInvalidMessage = errors.New("broker: invalid message")

	// ErrInvalidChannel is returned when a channel name is empty.
	ErrInvalidChannel = errors.New("broker: channel name is required")

	// ErrConnectionInactive is returned when writing to a connection that
	// has been disconnected or marked dead after a failed write.
	ErrConnectionInactive = errors.New("broker: connection inactive")

	// ErrHandlerPanic wraps a value recovered from a panicking handler.
	ErrHandlerPanic = errors.New("broker: handler panic")
)
