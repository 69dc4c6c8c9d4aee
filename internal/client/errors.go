package client

import "errors"

// Domain-specific errors for sync client operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrClosed is returned on operations against a closed client.
	ErrClosed = errors.New("client: closed")

	// ErrAuthFailed is returned when the server rejects the token.
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrConnectionLost is returned for requests in flight when the
	// duplex channel drops or the client shuts down.
	ErrConnectionLost = errors.New("client: connection lost")

	// ErrTimeout is returned when a service request receives no
	// response within the request window.
	ErrTimeout = errors.New("client: request timed out")

	// ErrUnreachable is returned when the server cannot be contacted.
	ErrUnreachable = errors.New("client: server unreachable")

	// ErrActionFailed is returned when the server reports a service
	// invocation failure.
	ErrActionFailed = errors.New("client: action failed")

	// ErrNoCredentials is returned when registration is attempted
	// without the shared secret configured.
	ErrNoCredentials = errors.New("client: no shared secret for registration")
)
