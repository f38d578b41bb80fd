// Package postgres stores cache snapshots in PostgreSQL so every splitd
// replica can warm-start from the last definitions any of them fetched.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/storage"
	"github.com/matt-riley/splitsdk/migrations"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.SnapshotStore = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded goose migrations.
func Migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("migrations applied")
	return nil
}

func (s *Store) LoadSplits(ctx context.Context) ([]core.Split, int64, error) {
	var (
		raw          []byte
		changeNumber int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT splits, change_number
		FROM split_snapshot
		WHERE id
	`).Scan(&raw, &changeNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load split snapshot: %w", err)
	}

	var splits []core.Split
	if err := json.Unmarshal(raw, &splits); err != nil {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO split_snapshot (id, splits, change_number, saved_at)
		VALUES (TRUE, $1, $2, now())
		ON CONFLICT (id) DO UPDATE
		SET splits = EXCLUDED.splits,
		    change_number = EXCLUDED.change_number,
		    saved_at = EXCLUDED.saved_at
		WHERE split_snapshot.change_number <= EXCLUDED.change_number
	`, raw, changeNumber)
	if err != nil {
		return fmt.Errorf("save split snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSegments(ctx context.Context, key string) ([]string, int64, error) {
	var (
		segments []string
		version  int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT segments, version
		FROM segment_snapshots
		WHERE matching_key = $1
	`, key).Scan(&segments, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load segment snapshot: %w", err)
	}
	return segments, version, nil
}

func (s *Store) SaveSegments(ctx context.Context, key string, segments []string, version int64) error {
	if segments == nil {
		segments = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO segment_snapshots (matching_key, segments, version, saved_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (matching_key) DO UPDATE
		SET segments = EXCLUDED.segments,
		    version = EXCLUDED.version,
		    saved_at = EXCLUDED.saved_at
	`, key, segments, version)
	if err != nil {
		return fmt.Errorf("save segment snapshot: %w", err)
	}
	return nil
}
