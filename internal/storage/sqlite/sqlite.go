// Package sqlite stores cache snapshots in a local SQLite file, which suits
// a single process that wants to survive restarts without a database
// server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/storage"
	"github.com/matt-riley/splitsdk/internal/storage/sqlite/migrations"
)

type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.SnapshotStore = (*Store)(nil)

// Open opens the snapshot database at path and applies embedded
// migrations. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := ":memory:"
	if path != dsn {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises
	// writers on file databases.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) LoadSplits(ctx context.Context) ([]core.Split, int64, error) {
	var (
		raw          string
		changeNumber int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT splits, change_number FROM split_snapshot WHERE id = 1`,
	).Scan(&raw, &changeNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load split snapshot: %w", err)
	}
	var splits []core.Split
	if err := json.Unmarshal([]byte(raw), &splits); err != nil {
		return nil, 0, fmt.Errorf("decode split snapshot: %w", err)
	}
	return splits, changeNumber, nil
}

func (s *Store) SaveSplits(ctx context.Context, splits []core.Split, changeNumber int64) error {
	if splits == nil {
		splits = []core.Split{}
	}
	raw, err := json.Marshal(splits)
	if err != nil {
		return fmt.Errorf("encode split snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO split_snapshot (id, splits, change_number, saved_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   splits = excluded.splits,
		   change_number = excluded.change_number,
		   saved_at = excluded.saved_at
		 WHERE split_snapshot.change_number <= excluded.change_number`,
		string(raw), changeNumber, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save split snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSegments(ctx context.Context, key string) ([]string, int64, error) {
	var (
		raw     string
		version int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT segments, version FROM segment_snapshots WHERE matching_key = ?`, key,
	).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load segment snapshot: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, 0, fmt.Errorf("decode segment snapshot: %w", err)
	}
	return names, version, nil
}

func (s *Store) SaveSegments(ctx context.Context, key string, segments []string, version int64) error {
	if segments == nil {
		segments = []string{}
	}
	raw, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("encode segment snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO segment_snapshots (matching_key, segments, version, saved_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (matching_key) DO UPDATE SET
		   segments = excluded.segments,
		   version = excluded.version,
		   saved_at = excluded.saved_at`,
		key, string(raw), version, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save segment snapshot: %w", err)
	}
	return nil
}
