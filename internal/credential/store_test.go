package credential

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/statesync/internal/token"
)

const testSecret = "test-secret-key-at-least-32-characters"

// testDB creates a temporary SQLite database with the clients schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "credential-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrationSQL := `
		CREATE TABLE clients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;

		CREATE INDEX idx_clients_created ON clients(created_at);
	`
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("applying clients migration: %v", err)
	}

	return db
}

func testStore(t *testing.T) (*Store, *token.Authority) {
	t.Helper()

	authority := token.NewAuthority(testSecret, 0, 0)
	store := NewStore(NewSQLiteRepository(testDB(t)), authority)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return store, authority
}

func TestRegister_IssuesVerifiableToken(t *testing.T) {
	store, authority := testStore(t)

	rec, err := store.Register(context.Background(), "Holiday Cabin", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if rec.ID == "" {
		t.Fatal("Register() returned empty id")
	}

	if rec.Name != "Holiday Cabin" {
		t.Errorf("Name = %q, want %q", rec.Name, "Holiday Cabin")
	}

	subject, err := authority.Verify(rec.Token)
	if err != nil {
		t.Fatalf("issued token failed verification: %v", err)
	}

	if subject != rec.ID {
		t.Errorf("token subject = %q, want %q", subject, rec.ID)
	}

	if !store.Exists(rec.ID) {
		t.Error("registered client should exist in store")
	}
}

func TestRegister_ExplicitID(t *testing.T) {
	store, _ := testStore(t)

	rec, err := store.Register(context.Background(), "cabin", "my-client-id")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if rec.ID != "my-client-id" {
		t.Errorf("ID = %q, want explicit id", rec.ID)
	}

	_, err = store.Register(context.Background(), "other", "my-client-id")
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate Register() = %v, want ErrDuplicateID", err)
	}
}

func TestRevoke(t *testing.T) {
	store, authority := testStore(t)

	rec, err := store.Register(context.Background(), "cabin", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	existed, err := store.Revoke(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if !existed {
		t.Error("Revoke() should report the client existed")
	}

	// Raw signature verification still succeeds...
	if _, err := authority.Verify(rec.Token); err != nil {
		t.Errorf("raw verification should still succeed after revoke: %v", err)
	}

	// ...but the membership check rejects the subject.
	if store.Exists(rec.ID) {
		t.Error("revoked client should not exist in store")
	}

	existed, err = store.Revoke(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}
	if existed {
		t.Error("second Revoke() should report the client did not exist")
	}
}

func TestLoad_SurvivesRestart(t *testing.T) {
	db := testDB(t)
	authority := token.NewAuthority(testSecret, 0, 0)

	store := NewStore(NewSQLiteRepository(db), authority)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rec, err := store.Register(context.Background(), "cabin", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Simulate a restart: fresh store over the same database.
	reloaded := NewStore(NewSQLiteRepository(db), authority)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load() after restart error = %v", err)
	}

	got, err := reloaded.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}

	if got.Token != rec.Token {
		t.Error("reloaded token should match the issued token")
	}
}

func TestList_ReturnsCopy(t *testing.T) {
	store, _ := testStore(t)

	if _, err := store.Register(context.Background(), "one", ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	records := store.List()
	if len(records) != 1 {
		t.Fatalf("List() count = %d, want 1", len(records))
	}

	records[0].Name = "mutated"

	fresh := store.List()
	if fresh[0].Name == "mutated" {
		t.Error("mutating the listed slice should not affect the store")
	}
}

func TestRegister_ConcurrentDistinctClients(t *testing.T) {
	store, _ := testStore(t)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Register(context.Background(), "client", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Register() error = %v", err)
		}
	}

	if store.Count() != n {
		t.Errorf("Count() = %d, want %d (no id collisions)", store.Count(), n)
	}
}
