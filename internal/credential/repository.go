package credential

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for client record persistence.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Record, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed client record repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert persists a new client record.
func (r *SQLiteRepository) Insert(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, token, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Token, rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// Delete removes a client record by id. Returns whether it existed.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM clients WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("deleting client: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return rows > 0, nil
}

// List returns all client records ordered by creation date.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, token, created_at FROM clients ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Token, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning client row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}

	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// isUniqueViolation checks whether an error is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
