// Package store persists assets, vulnerabilities, trend points and import
// history in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	verrors "github.com/exploopio/vulnsla/pkg/errors"
)

// inChunk bounds the number of bind variables in one IN (...) list.
const inChunk = 500

// Config configures the store.
type Config struct {
	// Path is the database file. Its directory is created when missing.
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:        "vulnsla.db",
		BusyTimeout: 5 * time.Second,
	}
}

// Store is a SQLite-backed store.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	cfg *Config
}

// Open opens (or creates) the database and applies the schema.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		return nil, verrors.E(verrors.KindInvalidInput, "store.Open", "database path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, verrors.E(verrors.KindStorage, "store.Open", "create storage directory", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, verrors.E(verrors.KindStorage, "store.Open", "open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, verrors.E(verrors.KindStorage, "store.Open", "open database", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, verrors.E(verrors.KindStorage, "store.Open", "init schema", err)
	}
	return s, nil
}

// dsn builds the connection string. Pragmas go in the DSN so that every
// pooled connection gets them.
func dsn(cfg *Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"cache_size(-64000)",
		"temp_store(MEMORY)",
		"foreign_keys(ON)",
		fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
	} {
		q.Add("_pragma", p)
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// initSchema creates the tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		asset_key TEXT NOT NULL UNIQUE,
		name_key TEXT NOT NULL DEFAULT '',
		ip_key TEXT NOT NULL DEFAULT '',
		host_name TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		netbios_name TEXT NOT NULL DEFAULT '',
		fqdn TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		mac TEXT NOT NULL DEFAULT '',
		vulnerability_count INTEGER NOT NULL DEFAULT 0,
		risk_score REAL NOT NULL DEFAULT 0,
		highest_severity TEXT NOT NULL DEFAULT 'unknown',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vulnerabilities (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL,
		asset_key TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		cvss REAL,
		cves TEXT NOT NULL DEFAULT '[]',
		synopsis TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		solution TEXT NOT NULL DEFAULT '',
		see_also TEXT NOT NULL DEFAULT '',
		plugin_output TEXT NOT NULL DEFAULT '',
		exploit TEXT NOT NULL DEFAULT '{}',
		first_detected INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		sla_target_days INTEGER NOT NULL CHECK (sla_target_days > 0),
		sla_target_fallback INTEGER NOT NULL DEFAULT 0,
		CHECK (last_seen >= first_detected),
		FOREIGN KEY (asset_id) REFERENCES assets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS trend_points (
		import_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		scan_date INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL,
		hosts INTEGER NOT NULL,
		findings INTEGER NOT NULL,
		info INTEGER NOT NULL,
		critical_breaches INTEGER NOT NULL,
		high_breaches INTEGER NOT NULL,
		medium_breaches INTEGER NOT NULL,
		low_breaches INTEGER NOT NULL,
		total_breaches INTEGER NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS trend_points_no_update
	BEFORE UPDATE ON trend_points
	BEGIN
		SELECT RAISE(ABORT, 'trend points are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trend_points_no_delete
	BEFORE DELETE ON trend_points
	BEGIN
		SELECT RAISE(ABORT, 'trend points are append-only');
	END;

	CREATE TABLE IF NOT EXISTS scan_imports (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		imported_at INTEGER NOT NULL,
		payload_size INTEGER NOT NULL DEFAULT 0,
		compression TEXT NOT NULL DEFAULT 'none',
		payload BLOB,
		summary TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_assets_name_key ON assets(name_key);
	CREATE INDEX IF NOT EXISTS idx_assets_ip_key ON assets(ip_key);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_asset_id ON vulnerabilities(asset_id);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities(severity);
	CREATE INDEX IF NOT EXISTS idx_trend_points_recorded_at ON trend_points(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_scan_imports_imported_at ON scan_imports(imported_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageError("store.Ping", "ping database", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.cfg.Path
}

// withTx runs fn in a transaction under the write lock.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(op, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageError(op, "commit", err)
	}
	return nil
}

// storageError wraps a database error. Context errors become timeouts.
func storageError(op, msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return verrors.E(verrors.KindTimeout, op, msg, err)
	}
	return verrors.E(verrors.KindStorage, op, msg, err)
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunks splits keys into IN-list sized groups.
func chunks(keys []string) [][]string {
	var out [][]string
	for len(keys) > inChunk {
		out = append(out, keys[:inChunk])
		keys = keys[inChunk:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

func args(keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

// unixNano stores timestamps as integers so that SQL comparisons order them.
func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
