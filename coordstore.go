package groundedsync

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CoordStoreConfig configures the ephemeral coordination store.
type CoordStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int
}

// DefaultCoordStoreConfig returns default configuration.
func DefaultCoordStoreConfig(path string) CoordStoreConfig {
	return CoordStoreConfig{Path: path, BusyTimeout: 5000}
}

// CoordStore is the shared key-value store for ephemeral coordination
// state: leader leases, presence heartbeats and per-tab identity. All
// rows are namespaced by workspace id. It is a lease store, not a lock
// service: rows grant advisory priority only.
type CoordStore struct {
	db *sql.DB
}

// CoordEntry is one stored coordination record.
type CoordEntry struct {
	Value     string
	UpdatedAt int64
}

// Coordination scopes.
const (
	ScopeLease    = "lease"
	ScopePresence = "presence"
	ScopeIdentity = "identity"
)

// OpenCoordStore opens (creating if needed) the coordination store.
func OpenCoordStore(cfg CoordStoreConfig) (*CoordStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("coord store path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open coord store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS coordination (
		workspace  TEXT NOT NULL,
		scope      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (workspace, scope, key)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init coord store schema: %w", err)
	}
	return &CoordStore{db: db}, nil
}

// Put upserts a record with the current timestamp.
func (s *CoordStore) Put(workspace, scope, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO coordination(workspace, scope, key, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workspace, scope, key)
		 DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workspace, scope, key, value, Now())
	if err != nil {
		return fmt.Errorf("coord put: %w", err)
	}
	return nil
}

// Get returns a record and whether it exists.
func (s *CoordStore) Get(workspace, scope, key string) (CoordEntry, bool, error) {
	var e CoordEntry
	err := s.db.QueryRow(
		`SELECT value, updated_at FROM coordination WHERE workspace = ? AND scope = ? AND key = ?`,
		workspace, scope, key).Scan(&e.Value, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CoordEntry{}, false, nil
	}
	if err != nil {
		return CoordEntry{}, false, fmt.Errorf("coord get: %w", err)
	}
	return e, true, nil
}

// List returns all records in a scope keyed by record key.
func (s *CoordStore) List(workspace, scope string) (map[string]CoordEntry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, updated_at FROM coordination WHERE workspace = ? AND scope = ?`,
		workspace, scope)
	if err != nil {
		return nil, fmt.Errorf("coord list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]CoordEntry)
	for rows.Next() {
		var key string
		var e CoordEntry
		if err := rows.Scan(&key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("coord list scan: %w", err)
		}
		out[key] = e
	}
	return out, rows.Err()
}

// Delete removes a single record.
func (s *CoordStore) Delete(workspace, scope, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM coordination WHERE workspace = ? AND scope = ? AND key = ?`,
		workspace, scope, key)
	if err != nil {
		return fmt.Errorf("coord delete: %w", err)
	}
	return nil
}

// Claim attempts to take the lease named key for holder. It succeeds
// when the lease is unheld, already held by this holder, or older than
// staleAfter. Last fresh writer wins; there is no explicit release.
func (s *CoordStore) Claim(workspace, key, holder string, staleAfter time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("coord claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var value string
	var updatedAt int64
	err = tx.QueryRow(
		`SELECT value, updated_at FROM coordination WHERE workspace = ? AND scope = ? AND key = ?`,
		workspace, ScopeLease, key).Scan(&value, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// unheld, fall through to claim
	case err != nil:
		return false, fmt.Errorf("coord claim: %w", err)
	default:
		fresh := Now()-updatedAt < staleAfter.Milliseconds()
		if fresh && value != holder {
			return false, nil
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO coordination(workspace, scope, key, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workspace, scope, key)
		 DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workspace, ScopeLease, key, holder, Now()); err != nil {
		return false, fmt.Errorf("coord claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("coord claim: %w", err)
	}
	return true, nil
}

// CleanupWorkspace removes every record for a workspace. Best-effort on
// teardown; callers ignore the error beyond logging.
func (s *CoordStore) CleanupWorkspace(workspace string) error {
	_, err := s.db.Exec(`DELETE FROM coordination WHERE workspace = ?`, workspace)
	if err != nil {
		return fmt.Errorf("coord cleanup: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *CoordStore) Close() error {
	return s.db.Close()
}
