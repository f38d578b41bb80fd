package fetcher

import (
	"maps"
	"slices"
	"sync"

	"github.com/matt-riley/splitsdk/internal/core"
)

// NoVersion is the version of a cache that has never been synced.
const NoVersion int64 = -1

// SplitCache holds split definitions shared by every client of a factory.
// Writers build a new map and swap it in, so readers never see a partially
// applied change.
type SplitCache struct {
	mu           sync.RWMutex
	splits       map[string]core.Split
	changeNumber int64
}

func NewSplitCache() *SplitCache {
	return &SplitCache{
		splits:       make(map[string]core.Split),
		changeNumber: NoVersion,
	}
}

func (c *SplitCache) Split(name string) (core.Split, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	split, ok := c.splits[name]
	return split, ok
}

func (c *SplitCache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changeNumber
}

func (c *SplitCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.splits)
}

func (c *SplitCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.splits))
}

// Snapshot returns every split sorted by name with the current change
// number.
func (c *SplitCache) Snapshot() ([]core.Split, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	splits := make([]core.Split, 0, len(c.splits))
	for _, name := range slices.Sorted(maps.Keys(c.splits)) {
		splits = append(splits, c.splits[name])
	}
	return splits, c.changeNumber
}

// Apply merges an incremental change. Archived splits are removed.
func (c *SplitCache) Apply(change Change[[]core.Split]) {
	c.mu.RLock()
	next := maps.Clone(c.splits)
	c.mu.RUnlock()

	for _, split := range change.Data {
		if split.Status == core.StatusArchived {
			delete(next, split.Name)
			continue
		}
		next[split.Name] = split
	}

	c.mu.Lock()
	c.splits = next
	c.changeNumber = change.Version
	c.mu.Unlock()
}

// Replace swaps in a complete set of splits, used for warm starts.
func (c *SplitCache) Replace(splits []core.Split, changeNumber int64) {
	next := make(map[string]core.Split, len(splits))
	for _, split := range splits {
		if split.Status == core.StatusArchived {
			continue
		}
		next[split.Name] = split
	}

	c.mu.Lock()
	c.splits = next
	c.changeNumber = changeNumber
	c.mu.Unlock()
}

// SegmentCache holds the segments one key belongs to. Every change
// replaces the whole membership set.
type SegmentCache struct {
	mu       sync.RWMutex
	segments map[string]struct{}
	version  int64
}

func NewSegmentCache() *SegmentCache {
	return &SegmentCache{
		segments: make(map[string]struct{}),
		version:  NoVersion,
	}
}

func (c *SegmentCache) InSegment(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.segments[name]
	return ok
}

func (c *SegmentCache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *SegmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.segments)
}

func (c *SegmentCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.segments))
}

func (c *SegmentCache) Apply(change Change[[]string]) {
	next := make(map[string]struct{}, len(change.Data))
	for _, name := range change.Data {
		next[name] = struct{}{}
	}

	c.mu.Lock()
	c.segments = next
	c.version = change.Version
	c.mu.Unlock()
}
