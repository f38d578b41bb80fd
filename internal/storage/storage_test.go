package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/matt-riley/splitsdk/internal/core"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, _, err := store.LoadSplits(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSplits() error = %v, want %v", err, ErrNotFound)
	}
	if _, _, err := store.LoadSegments(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSegments() error = %v, want %v", err, ErrNotFound)
	}

	splits := []core.Split{{Name: "a", DefaultTreatment: "on", ChangeNumber: 4}}
	if err := store.SaveSplits(ctx, splits, 4); err != nil {
		t.Fatalf("SaveSplits() error = %v", err)
	}
	if err := store.SaveSegments(ctx, "alice", []string{"beta"}, 99); err != nil {
		t.Fatalf("SaveSegments() error = %v", err)
	}

	gotSplits, changeNumber, err := store.LoadSplits(ctx)
	if err != nil {
		t.Fatalf("LoadSplits() error = %v", err)
	}
	if changeNumber != 4 || !reflect.DeepEqual(gotSplits, splits) {
		t.Fatalf("LoadSplits() = (%v, %d), want (%v, 4)", gotSplits, changeNumber, splits)
	}

	segments, version, err := store.LoadSegments(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadSegments() error = %v", err)
	}
	if version != 99 || !reflect.DeepEqual(segments, []string{"beta"}) {
		t.Fatalf("LoadSegments() = (%v, %d), want ([beta], 99)", segments, version)
	}
}
