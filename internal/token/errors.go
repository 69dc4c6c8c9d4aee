package token

import "errors"

// Sentinel errors for token verification.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTokenExpired is returned when a structurally valid token is past
	// its expiry.
	ErrTokenExpired = errors.New("token: expired")

	// ErrTokenMalformed is returned when a token's structure or signature
	// is invalid.
	ErrTokenMalformed = errors.New("token: malformed")
)
