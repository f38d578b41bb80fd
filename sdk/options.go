package sdk

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/storage"
)

type Option func(*Factory)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) {
		f.metrics = m
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(f *Factory) {
		if clock != nil {
			f.clock = clock
		}
	}
}

func WithSplitSource(source SplitSource) Option {
	return func(f *Factory) {
		f.splitSource = source
	}
}

func WithSegmentSource(source SegmentSource) Option {
	return func(f *Factory) {
		f.segmentSource = source
	}
}

func WithImpressionTransport(transport ImpressionTransport) Option {
	return func(f *Factory) {
		f.impressionTransport = transport
	}
}

func WithEventTransport(transport EventTransport) Option {
	return func(f *Factory) {
		f.eventTransport = transport
	}
}

// WithSnapshotStore enables warm starts from, and persistence to, store.
func WithSnapshotStore(store storage.SnapshotStore) Option {
	return func(f *Factory) {
		f.store = store
	}
}

func WithImpressionListener(listener ImpressionListener) Option {
	return func(f *Factory) {
		f.listener = listener
	}
}

// WithEvaluatorFactory replaces the default rule evaluator.
func WithEvaluatorFactory(factory EvaluatorFactory) Option {
	return func(f *Factory) {
		if factory != nil {
			f.newEvaluator = factory
		}
	}
}
