package host

import "errors"

// Domain-specific errors for host operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrEntityUnknown is returned when the host has never reported
	// state for the requested entity.
	ErrEntityUnknown = errors.New("host: entity unknown")

	// ErrHostUnavailable is returned when the host bridge is not
	// connected to its transport.
	ErrHostUnavailable = errors.New("host: unavailable")

	// ErrInvalidPayload is returned when a host message cannot be decoded.
	ErrInvalidPayload = errors.New("host: invalid payload")
)
