package groundedsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SnapshotStore is the durable home of project snapshots, keyed by
// workspace id. Save must be idempotent-safe under duplicate saves of
// the same payload.
type SnapshotStore interface {
	// Save durably stores the snapshot for a workspace.
	Save(ctx context.Context, workspace string, snapshot []byte) error

	// Fetch returns the stored snapshot, and whether one exists.
	Fetch(ctx context.Context, workspace string) ([]byte, bool, error)

	// Close releases store resources.
	Close() error
}

// SQLiteStoreConfig configures the local snapshot store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{Path: path, BusyTimeout: 5000}
}

// SQLiteSnapshotStore stores snapshots in a local SQLite database, the
// default when no object store is configured.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens (creating if needed) the snapshot store.
func NewSQLiteSnapshotStore(cfg SQLiteStoreConfig) (*SQLiteSnapshotStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("snapshot store path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		workspace  TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot store schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

// Save upserts the workspace snapshot.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, workspace string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(workspace, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(workspace) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		workspace, snapshot, Now())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Fetch returns the workspace snapshot if one exists.
func (s *SQLiteSnapshotStore) Fetch(ctx context.Context, workspace string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE workspace = ?`, workspace).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch snapshot: %w", err)
	}
	return payload, true, nil
}

// Close releases the underlying database.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
