package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/storage"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", path, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("Open() error = nil, want error")
	}
}

func TestSplitsRoundTrip(t *testing.T) {
	store := openTestStore(t, ":memory:")
	ctx := context.Background()

	if _, _, err := store.LoadSplits(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("LoadSplits() error = %v, want ErrNotFound", err)
	}

	splits := []core.Split{{
		Name:             "checkout",
		Status:           core.StatusActive,
		DefaultTreatment: "off",
		ChangeNumber:     5,
		Conditions: []core.Condition{{
			Matchers:   []core.Matcher{{Operator: core.OperatorIn, Value: []any{"alice"}}},
			Partitions: []core.Partition{{Treatment: "on", Size: 100}},
		}},
	}}
	if err := store.SaveSplits(ctx, splits, 5); err != nil {
		t.Fatalf("SaveSplits() error = %v", err)
	}
	got, changeNumber, err := store.LoadSplits(ctx)
	if err != nil {
		t.Fatalf("LoadSplits() error = %v", err)
	}
	if changeNumber != 5 || len(got) != 1 || got[0].Name != "checkout" {
		t.Fatalf("LoadSplits() = %+v at %d", got, changeNumber)
	}

	eval := core.NewRuleEvaluator(splitMap(got), nil)
	result, err := eval.Evaluate(core.NewKey("alice"), "checkout", nil)
	if err != nil || result.Treatment != "on" {
		t.Errorf("Evaluate() after reload = %+v, %v; want on", result, err)
	}
}

func TestSaveSplitsKeepsNewest(t *testing.T) {
	store := openTestStore(t, ":memory:")
	ctx := context.Background()

	if err := store.SaveSplits(ctx, []core.Split{{Name: "new"}}, 10); err != nil {
		t.Fatalf("SaveSplits() error = %v", err)
	}
	if err := store.SaveSplits(ctx, []core.Split{{Name: "old"}}, 4); err != nil {
		t.Fatalf("SaveSplits(older) error = %v", err)
	}
	got, changeNumber, err := store.LoadSplits(ctx)
	if err != nil {
		t.Fatalf("LoadSplits() error = %v", err)
	}
	if changeNumber != 10 || got[0].Name != "new" {
		t.Errorf("LoadSplits() = %+v at %d, want new at 10", got, changeNumber)
	}
}

func TestSegmentsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := first.SaveSegments(ctx, "alice", []string{"beta", "employees"}, 12); err != nil {
		t.Fatalf("SaveSegments() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := openTestStore(t, path)
	names, version, err := second.LoadSegments(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadSegments() error = %v", err)
	}
	if version != 12 || len(names) != 2 {
		t.Errorf("LoadSegments() = %v at %d, want two names at 12", names, version)
	}
	if _, _, err := second.LoadSegments(ctx, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LoadSegments(bob) error = %v, want ErrNotFound", err)
	}
}

type splitMap []core.Split

func (m splitMap) Split(name string) (core.Split, bool) {
	for _, s := range m {
		if s.Name == name {
			return s, true
		}
	}
	return core.Split{}, false
}
