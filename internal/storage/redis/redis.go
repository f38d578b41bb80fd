// Package redis stores cache snapshots in Redis hashes.
//
// Keys are namespaced by a prefix so several environments can share one
// Redis instance:
//
//	<prefix>:splits            {definitions, changeNumber}
//	<prefix>:segments:<key>    {names, version}
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/storage"
)

const DefaultPrefix = "splitsdk"

const (
	fieldDefinitions  = "definitions"
	fieldChangeNumber = "changeNumber"
	fieldNames        = "names"
	fieldVersion      = "version"
)

type Store struct {
	rdb        redis.UniversalClient
	prefix     string
	segmentTTL time.Duration
	poolSize   int
}

var _ storage.SnapshotStore = (*Store)(nil)

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithSegmentTTL expires segment snapshots for keys that stop being
// evaluated. Zero keeps them forever.
func WithSegmentTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.segmentTTL = ttl
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the Redis server at url ("redis://host:6379/0") and
// verifies the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := New(rdb, opts...)
	store.poolSize = redisOpts.PoolSize
	return store, nil
}

// PoolStats reports connection pool usage for the snapshot store metrics.
func (s *Store) PoolStats() metrics.PoolStats {
	st := s.rdb.PoolStats()
	return metrics.PoolStats{
		InUse: int(st.TotalConns) - int(st.IdleConns),
		Idle:  int(st.IdleConns),
		Total: int(st.TotalConns),
		Max:   s.poolSize,
	}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) splitsKey() string {
	return s.prefix + ":splits"
}

func (s *Store) segmentsKey(key string) string {
	return s.prefix + ":segments:" + key
}

func (s *Store) LoadSplits(ctx context.Context) ([]core.Split, int64, error) {
	hash, err := s.rdb.HGetAll(ctx, s.splitsKey()).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("load split snapshot: %w", err)
	}
	if len(hash) == 0 {
		return nil, 0, storage.ErrNotFound
	}
	changeNumber, err := strconv.ParseInt(hash[fieldChangeNumber], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("decode split snapshot change number: %w", err)
	}
	var splits []core.Split
	if err := json.Unmarshal([]byte(hash[fieldDefinitions]), &splits); err != nil {
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
	err = s.rdb.HSet(ctx, s.splitsKey(),
		fieldDefinitions, raw,
		fieldChangeNumber, changeNumber,
	).Err()
	if err != nil {
		return fmt.Errorf("save split snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSegments(ctx context.Context, key string) ([]string, int64, error) {
	hash, err := s.rdb.HGetAll(ctx, s.segmentsKey(key)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(hash) == 0) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load segment snapshot: %w", err)
	}
	version, err := strconv.ParseInt(hash[fieldVersion], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("decode segment snapshot version: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(hash[fieldNames]), &names); err != nil {
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
	redisKey := s.segmentsKey(key)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKey, fieldNames, raw, fieldVersion, version)
		if s.segmentTTL > 0 {
			pipe.Expire(ctx, redisKey, s.segmentTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save segment snapshot: %w", err)
	}
	return nil
}
