package fetcher

import (
	"reflect"
	"sync"
	"testing"

	"github.com/matt-riley/splitsdk/internal/core"
)

func TestSplitCacheApply(t *testing.T) {
	cache := NewSplitCache()
	if got := cache.Version(); got != NoVersion {
		t.Fatalf("Version() = %d, want %d", got, NoVersion)
	}

	cache.Apply(Change[[]core.Split]{Version: 1, Data: []core.Split{
		{Name: "a", DefaultTreatment: "on"},
		{Name: "b", DefaultTreatment: "off"},
	}})
	cache.Apply(Change[[]core.Split]{Version: 2, Data: []core.Split{
		{Name: "a", DefaultTreatment: "off"},
		{Name: "b", Status: core.StatusArchived},
		{Name: "c", Status: core.StatusArchived},
	}})

	if got, want := cache.Names(), []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	split, _ := cache.Split("a")
	if split.DefaultTreatment != "off" {
		t.Fatalf("Split(a).DefaultTreatment = %q, want %q", split.DefaultTreatment, "off")
	}
	if got := cache.Version(); got != 2 {
		t.Fatalf("Version() = %d, want 2", got)
	}
}

func TestSplitCacheReplaceAndSnapshot(t *testing.T) {
	cache := NewSplitCache()
	cache.Apply(Change[[]core.Split]{Version: 1, Data: []core.Split{{Name: "old"}}})

	cache.Replace([]core.Split{{Name: "z"}, {Name: "m"}, {Name: "gone", Status: core.StatusArchived}}, 9)

	splits, changeNumber := cache.Snapshot()
	if changeNumber != 9 {
		t.Fatalf("Snapshot() change number = %d, want 9", changeNumber)
	}
	names := make([]string, 0, len(splits))
	for _, split := range splits {
		names = append(names, split.Name)
	}
	if want := []string{"m", "z"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("Snapshot() names = %v, want %v", names, want)
	}
}

func TestSplitCacheConcurrentReadsDuringApply(t *testing.T) {
	cache := NewSplitCache()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				split, ok := cache.Split("a")
				if ok && split.Name != "a" {
					t.Errorf("Split(a) returned %q", split.Name)
					return
				}
			}
		}()
	}
	for version := int64(1); version <= 50; version++ {
		cache.Apply(Change[[]core.Split]{Version: version, Data: []core.Split{{Name: "a"}}})
	}
	wg.Wait()
}

func TestSegmentCacheApplyReplacesMembership(t *testing.T) {
	cache := NewSegmentCache()

	cache.Apply(Change[[]string]{Version: 11, Data: []string{"beta", "staff"}})
	if !cache.InSegment("beta") || !cache.InSegment("staff") {
		t.Fatal("InSegment() = false for applied segments")
	}

	cache.Apply(Change[[]string]{Version: 12, Data: []string{"beta"}})
	if cache.InSegment("staff") {
		t.Fatal("InSegment(staff) = true after removal")
	}
	if got, want := cache.Names(), []string{"beta"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	if got := cache.Version(); got != 12 {
		t.Fatalf("Version() = %d, want 12", got)
	}
}
