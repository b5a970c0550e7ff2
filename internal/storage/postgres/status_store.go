// Package postgres provides a Postgres-backed crawl status record for
// installations that keep coordinator state in a shared database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// StatusStoreConfig controls the Postgres connection pool used for the status record.
type StatusStoreConfig struct {
	DSN             string
	Table           string
	Installation    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// StatusStore keeps one crawl status row per installation. Save overwrites
// the whole row; concurrent writers race and the last one wins.
type StatusStore struct {
	pool         queryCloser
	table        string
	installation string
}

// NewStatusStore connects to Postgres using cfg.
func NewStatusStore(ctx context.Context, cfg StatusStoreConfig) (*StatusStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("status.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewStatusStoreWithPool(pool, cfg.Table, cfg.Installation)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewStatusStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStatusStoreWithPool(pool queryCloser, table, installation string) (*StatusStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_status"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if installation == "" {
		installation = "default"
	}
	return &StatusStore{pool: pool, table: table, installation: installation}, nil
}

// Migrate creates the status table if it does not exist.
func (s *StatusStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	installation        TEXT PRIMARY KEY,
	crawl_time          BIGINT NOT NULL DEFAULT 0,
	fetcher_peak_memory BIGINT NOT NULL DEFAULT 0,
	webapp_peak_memory  BIGINT NOT NULL DEFAULT 0,
	crawl_type          TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Load reads the installation's row, returning a zero record when absent.
func (s *StatusStore) Load(ctx context.Context) (crawl.StatusRecord, error) {
	query := fmt.Sprintf(`
SELECT crawl_time, fetcher_peak_memory, webapp_peak_memory, crawl_type
FROM %s WHERE installation = $1`, s.table)
	var (
		crawlTime, fetcherPeak, webappPeak int64
		crawlType                          string
	)
	err := s.pool.QueryRow(ctx, query, s.installation).Scan(&crawlTime, &fetcherPeak, &webappPeak, &crawlType)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.StatusRecord{}, nil
	}
	if err != nil {
		return crawl.StatusRecord{}, fmt.Errorf("load crawl status: %w", err)
	}
	return crawl.StatusRecord{
		CrawlTime:         crawl.Timestamp(crawlTime),
		FetcherPeakMemory: uint64(max(fetcherPeak, 0)),
		WebappPeakMemory:  uint64(max(webappPeak, 0)),
		CrawlType:         crawl.CrawlType(crawlType),
	}, nil
}

// Save upserts the whole record.
func (s *StatusStore) Save(ctx context.Context, rec crawl.StatusRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (installation, crawl_time, fetcher_peak_memory, webapp_peak_memory, crawl_type, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (installation) DO UPDATE SET
	crawl_time = EXCLUDED.crawl_time,
	fetcher_peak_memory = EXCLUDED.fetcher_peak_memory,
	webapp_peak_memory = EXCLUDED.webapp_peak_memory,
	crawl_type = EXCLUDED.crawl_type,
	updated_at = EXCLUDED.updated_at`, s.table)
	_, err := s.pool.Exec(ctx, query,
		s.installation,
		int64(rec.CrawlTime),
		clampInt64(rec.FetcherPeakMemory),
		clampInt64(rec.WebappPeakMemory),
		string(rec.CrawlType),
	)
	if err != nil {
		return fmt.Errorf("save crawl status: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *StatusStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func clampInt64(v uint64) int64 {
	if v > uint64(1<<63-1) {
		return 1<<63 - 1
	}
	return int64(v)
}
