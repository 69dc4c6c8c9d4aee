package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/statesync/internal/token"
)

// clientIDBytes is the number of random bytes in a generated client id.
// 128 bits keeps the collision chance negligible across concurrent
// registrations without any coordination.
const clientIDBytes = 16

// Store manages registered sync clients.
//
// It keeps the full client table in memory and writes through to a
// Repository before any mutating operation returns, so a crash after a
// successful call can never lose the mutation. The in-memory table is
// the read path; the repository is only consulted at Load().
//
// All methods are safe for concurrent use.
type Store struct {
	repo      Repository
	authority *token.Authority

	mu      sync.RWMutex
	clients map[string]Record
}

// NewStore creates a credential store. Call Load() before first use.
func NewStore(repo Repository, authority *token.Authority) *Store {
	return &Store{
		repo:      repo,
		authority: authority,
		clients:   make(map[string]Record),
	}
}

// Load populates the in-memory table from the repository.
// It should be called once at startup.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading clients: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = make(map[string]Record, len(records))
	for _, rec := range records {
		s.clients[rec.ID] = rec
	}
	return nil
}

// Register creates a new client record: generates an id (unless an
// explicit one is given), issues a token, persists the record, and
// returns it. Safe to call concurrently for distinct clients.
func (s *Store) Register(ctx context.Context, name, explicitID string) (Record, error) {
	id := explicitID
	if id == "" {
		var err error
		if id, err = generateClientID(); err != nil {
			return Record{}, err
		}
	}

	signed, err := s.authority.IssueClient(id, name)
	if err != nil {
		return Record{}, fmt.Errorf("issuing client token: %w", err)
	}

	rec := Record{
		ID:        id,
		Name:      name,
		Token:     signed,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[id]; exists {
		return Record{}, ErrDuplicateID
	}

	// Persist before acknowledging; the in-memory table only changes
	// once the repository write succeeded.
	if err := s.repo.Insert(ctx, &rec); err != nil {
		return Record{}, err
	}

	s.clients[id] = rec
	return rec, nil
}

// Revoke removes a client record. Returns whether it existed.
// After revocation, verified tokens for that subject are rejected by
// the membership check at the call site.
func (s *Store) Revoke(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, err
	}

	delete(s.clients, id)
	return existed, nil
}

// Exists reports whether a client id is currently registered.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok
}

// Get returns a client record by id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.clients[id]
	if !ok {
		return Record{}, ErrNotRegistered
	}
	return rec, nil
}

// List returns a snapshot of all registered clients. The returned slice
// is a copy; mutating it does not affect the store.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.clients))
	for _, rec := range s.clients {
		records = append(records, rec)
	}
	return records
}

// Count returns the number of registered clients.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// generateClientID creates a cryptographically random url-safe client id.
func generateClientID() (string, error) {
	b := make([]byte, clientIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating client id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
