package server

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/fetcher"
	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/sdk"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []core.EventRecord
}

func (r *eventRecorder) Send(_ context.Context, batch []core.EventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, batch...)
	return nil
}

func (r *eventRecorder) got() []core.EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.EventRecord(nil), r.events...)
}

type segmentSource map[string][]string

func (s segmentSource) SegmentsFor(matchingKey string) fetcher.ChangeFetcher[[]string] {
	names := s[matchingKey]
	return fetcher.ChangeFetcherFunc[[]string](func(_ context.Context, since int64) (*fetcher.Change[[]string], error) {
		if since == 1 {
			return nil, nil
		}
		return &fetcher.Change[[]string]{Data: names, Version: 1}, nil
	})
}

func testSplits() []core.Split {
	return []core.Split{
		{
			Name: "checkout", TrafficTypeName: "user", Status: core.StatusActive, DefaultTreatment: "off", ChangeNumber: 3,
			Conditions: []core.Condition{
				{
					Label:      "in segment beta",
					Matchers:   []core.Matcher{{Operator: core.OperatorInSegment, Segment: "beta"}},
					Partitions: []core.Partition{{Treatment: "on", Size: 100}},
				},
				{
					Label:      "pro plan",
					Matchers:   []core.Matcher{{Attribute: "plan", Operator: core.OperatorEquals, Value: "pro"}},
					Partitions: []core.Partition{{Treatment: "on", Size: 100}},
				},
			},
			Configurations: map[string]string{"on": `{"color":"green"}`},
		},
		{Name: "banner", Status: core.StatusActive, DefaultTreatment: "v1", ChangeNumber: 3},
	}
}

type testSidecar struct {
	factory *sdk.Factory
	events  *eventRecorder
}

func newTestSidecar(t *testing.T) *testSidecar {
	t.Helper()

	splits := testSplits()
	source := fetcher.ChangeFetcherFunc[[]core.Split](func(_ context.Context, since int64) (*fetcher.Change[[]core.Split], error) {
		if since == 3 {
			return nil, nil
		}
		return &fetcher.Change[[]core.Split]{Data: splits, Version: 3}, nil
	})

	events := &eventRecorder{}
	cfg := sdk.DefaultConfig()
	cfg.TrafficType = "user"
	cfg.EventsFirstPushWindow = time.Hour
	factory, err := sdk.NewFactory(context.Background(), cfg,
		sdk.WithLogger(logging.Discard()),
		sdk.WithSplitSource(source),
		sdk.WithSegmentSource(segmentSource{"alice": {"beta"}}),
		sdk.WithEventTransport(events),
	)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	t.Cleanup(func() { factory.Destroy(context.Background()) })
	return &testSidecar{factory: factory, events: events}
}

func discardLogger() *slog.Logger {
	return logging.Discard()
}
