package credential

import (
	"errors"
	"time"
)

// Record is one registered sync client: its opaque identifier, display
// name, and the bearer token issued at registration. Records are created
// on registration, deleted on revocation, and never modified in between.
type Record struct {
	ID        string    `json:"client_id"`
	Name      string    `json:"client_name"`
	Token     string    `json:"-"` // never serialised in listings
	CreatedAt time.Time `json:"created_at"`
}

// Sentinel errors for credential operations.
var (
	// ErrNotRegistered is returned when a client id has no record,
	// including ids whose tokens still verify cryptographically.
	ErrNotRegistered = errors.New("credential: client not registered")

	// ErrDuplicateID is returned when registering with an explicit id
	// that already exists.
	ErrDuplicateID = errors.New("credential: client id already exists")
)
