package sdk

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/fetcher"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type splitSource struct {
	mu     sync.Mutex
	splits []core.Split
	till   int64
	errs   []error
	calls  int
}

func (s *splitSource) Fetch(_ context.Context, since int64) (*fetcher.Change[[]core.Split], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if since == s.till {
		return nil, nil
	}
	return &fetcher.Change[[]core.Split]{Data: s.splits, Version: s.till}, nil
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

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
	calls int
}

func (r *recorder[T]) Send(_ context.Context, batch []T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.items = append(r.items, batch...)
	return nil
}

func (r *recorder[T]) got() ([]T, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...), r.calls
}

type countingEvaluator struct {
	mu    sync.Mutex
	calls map[string]int
	next  core.Evaluator
	fail  map[string]error
	panic map[string]bool
}

func (e *countingEvaluator) Evaluate(key core.Key, split string, attributes map[string]any) (core.EvaluationResult, error) {
	e.mu.Lock()
	e.calls[split]++
	err, shouldPanic := e.fail[split], e.panic[split]
	e.mu.Unlock()

	if shouldPanic {
		panic("evaluator exploded")
	}
	if err != nil {
		return core.EvaluationResult{}, err
	}
	return e.next.Evaluate(key, split, attributes)
}

func (e *countingEvaluator) count(split string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[split]
}

type testFactory struct {
	*Factory
	clock       *clockwork.FakeClock
	splits      *splitSource
	impressions *recorder[Impression]
	events      *recorder[EventRecord]
	evaluator   *countingEvaluator
}

func defaultSplits() []core.Split {
	return []core.Split{
		{
			Name: "checkout", TrafficTypeName: "user", DefaultTreatment: "off", ChangeNumber: 5,
			Conditions: []core.Condition{{
				Label:      "in segment beta",
				Matchers:   []core.Matcher{{Operator: core.OperatorInSegment, Segment: "beta"}},
				Partitions: []core.Partition{{Treatment: "on", Size: 100}},
			}},
			Configurations: map[string]string{"on": `{"color":"green"}`},
		},
		{Name: "banner", DefaultTreatment: "v1", ChangeNumber: 5},
	}
}

func newTestFactory(t *testing.T, cfg Config, opts ...Option) *testFactory {
	t.Helper()

	tf := &testFactory{
		clock:       clockwork.NewFakeClockAt(testNow),
		splits:      &splitSource{splits: defaultSplits(), till: 5},
		impressions: &recorder[Impression]{},
		events:      &recorder[EventRecord]{},
		evaluator:   &countingEvaluator{calls: map[string]int{}, fail: map[string]error{}, panic: map[string]bool{}},
	}

	base := []Option{
		WithLogger(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))),
		WithClock(tf.clock),
		WithSplitSource(tf.splits),
		WithSegmentSource(segmentSource{"alice": {"beta"}}),
		WithImpressionTransport(tf.impressions),
		WithEventTransport(tf.events),
		WithEvaluatorFactory(func(splits core.SplitLookup, segments core.SegmentLookup) core.Evaluator {
			tf.evaluator.next = core.NewRuleEvaluator(splits, segments)
			return tf.evaluator
		}),
	}

	factory, err := NewFactory(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	t.Cleanup(func() { factory.Destroy(context.Background()) })
	tf.Factory = factory
	return tf
}

func (tf *testFactory) readyClient(t *testing.T, key Key) *Client {
	t.Helper()
	client, err := tf.Client(key)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.BlockUntilReady(ctx); err != nil {
		t.Fatalf("BlockUntilReady() error = %v", err)
	}
	return client
}
