// Package sqlite implements crawl.Leaser on an embedded SQLite database. A
// single upsert statement performs acquire-if-absent-or-expired, so the
// database serializes competing coordinators on the same host.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/id/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	name        TEXT PRIMARY KEY,
	token       TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);`

// Leaser stores leases in a SQLite table.
type Leaser struct {
	db    *sql.DB
	clock crawl.Clock
	ids   crawl.IDGenerator
}

// Open opens (or creates) the lease database at path.
func Open(ctx context.Context, path string, clock crawl.Clock) (*Leaser, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection keeps SQLITE_BUSY out of the acquire path.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lease schema: %w", err)
	}
	return New(db, clock), nil
}

// New wraps an existing database whose schema is already in place.
func New(db *sql.DB, clock crawl.Clock) *Leaser {
	if clock == nil {
		clock = system.New()
	}
	return &Leaser{db: db, clock: clock, ids: uuid.New()}
}

// Close closes the database.
func (l *Leaser) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Acquire inserts the lease, or takes it over when the current holder
// acquired it at least ttl ago.
func (l *Leaser) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token, err := l.ids.NewID()
	if err != nil {
		return "", false, err
	}
	now := l.clock.Now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO leases (name, token, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET token = excluded.token, acquired_at = excluded.acquired_at
		WHERE leases.acquired_at <= ?`,
		name, token, now.UnixNano(), now.Add(-ttl).UnixNano(),
	)
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if n == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lease if token still holds it.
func (l *Leaser) Release(ctx context.Context, name, token string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND token = ?`, name, token)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Holder returns the current token and acquisition time for name.
func (l *Leaser) Holder(ctx context.Context, name string) (string, time.Time, error) {
	var (
		token string
		at    int64
	)
	err := l.db.QueryRowContext(ctx, `SELECT token, acquired_at FROM leases WHERE name = ?`, name).Scan(&token, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, crawl.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read lease %s: %w", name, err)
	}
	return token, time.Unix(0, at).UTC(), nil
}
