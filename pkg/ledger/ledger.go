// Package ledger records fetch outcomes in SQLite so operators can inspect
// what was downloaded, when, and whether it failed.
package ledger

import (
	"database/sql"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/sievert/avatarcache/pkg/errors"
)

// Ledger provides database operations for fetch records.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at dbPath.
func Open(dbPath string) (*Ledger, error) {
	slog.Info("ledger_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("ledger_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open ledger")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("ledger_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("ledger_ready", "db_path", dbPath)
	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Upsert inserts or replaces the row for f.AvatarID.
func (l *Ledger) Upsert(f *Fetch) error {
	query := `
		INSERT INTO fetches (avatar_id, url, sha256, size, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(avatar_id) DO UPDATE SET
		    url = excluded.url,
		    sha256 = excluded.sha256,
		    size = excluded.size,
		    status = excluded.status,
		    error_message = excluded.error_message,
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := l.db.Exec(query, f.AvatarID, f.URL, f.SHA256, f.Size, f.Status, f.ErrorMessage); err != nil {
		slog.Error("ledger_upsert_failed", "avatar_id", f.AvatarID, "error", err)
		return errors.Wrap(err, "failed to upsert fetch record")
	}

	slog.Info("ledger_recorded", "avatar_id", f.AvatarID, "status", f.Status)
	return nil
}

// MarkFailed records a failed fetch for id.
func (l *Ledger) MarkFailed(id int64, url, errorMessage string) error {
	return l.Upsert(&Fetch{
		AvatarID:     id,
		URL:          url,
		Status:       StatusFailed,
		ErrorMessage: errorMessage,
	})
}

// Get retrieves the fetch record for id, or nil when none exists.
func (l *Ledger) Get(id int64) (*Fetch, error) {
	query := `
		SELECT avatar_id, url, sha256, size, status, error_message, created_at, updated_at
		FROM fetches WHERE avatar_id = ?
	`
	var f Fetch
	err := l.db.QueryRow(query, id).Scan(
		&f.AvatarID, &f.URL, &f.SHA256, &f.Size, &f.Status, &f.ErrorMessage,
		&f.CreatedAt, &f.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("ledger_query_failed", "avatar_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query fetch record")
	}
	return &f, nil
}

// List returns all fetch records, most recently updated first.
func (l *Ledger) List() ([]*Fetch, error) {
	query := `
		SELECT avatar_id, url, sha256, size, status, error_message, created_at, updated_at
		FROM fetches ORDER BY updated_at DESC
	`
	rows, err := l.db.Query(query)
	if err != nil {
		slog.Error("ledger_list_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list fetch records")
	}
	defer rows.Close()

	var fetches []*Fetch
	for rows.Next() {
		var f Fetch
		if err := rows.Scan(&f.AvatarID, &f.URL, &f.SHA256, &f.Size, &f.Status, &f.ErrorMessage,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan fetch record")
		}
		fetches = append(fetches, &f)
	}
	return fetches, rows.Err()
}

// Reset deletes all fetch records.
func (l *Ledger) Reset() error {
	if _, err := l.db.Exec(`DELETE FROM fetches`); err != nil {
		slog.Error("ledger_reset_failed", "error", err)
		return errors.Wrap(err, "failed to reset ledger")
	}
	slog.Info("ledger_reset")
	return nil
}
