// Package storage persists cache snapshots so a restarted SDK can serve
// the last known definitions before its first successful fetch.
package storage

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/matt-riley/splitsdk/internal/core"
)

var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore saves and restores cache contents. Load methods return
// ErrNotFound when nothing has been saved yet.
type SnapshotStore interface {
	LoadSplits(ctx context.Context) ([]core.Split, int64, error)
	SaveSplits(ctx context.Context, splits []core.Split, changeNumber int64) error
	LoadSegments(ctx context.Context, key string) ([]string, int64, error)
	SaveSegments(ctx context.Context, key string, segments []string, version int64) error
}

type segmentSnapshot struct {
	names   []string
	version int64
}

// MemoryStore keeps snapshots in process. It survives client restarts
// within one process, which is what tests and the eval command need.
type MemoryStore struct {
	mu           sync.RWMutex
	splits       []core.Split
	changeNumber int64
	hasSplits    bool
	segments     map[string]segmentSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{segments: make(map[string]segmentSnapshot)}
}

func (s *MemoryStore) LoadSplits(_ context.Context) ([]core.Split, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasSplits {
		return nil, 0, ErrNotFound
	}
	return slices.Clone(s.splits), s.changeNumber, nil
}

func (s *MemoryStore) SaveSplits(_ context.Context, splits []core.Split, changeNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splits = slices.Clone(splits)
	s.changeNumber = changeNumber
	s.hasSplits = true
	return nil
}

func (s *MemoryStore) LoadSegments(_ context.Context, key string) ([]string, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.segments[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return slices.Clone(snapshot.names), snapshot.version, nil
}

func (s *MemoryStore) SaveSegments(_ context.Context, key string, segments []string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[key] = segmentSnapshot{names: slices.Clone(segments), version: version}
	return nil
}
