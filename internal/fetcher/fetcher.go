// Package fetcher keeps local caches in sync with the control service.
//
// A [Fetcher] polls a [ChangeFetcher] on a fixed interval, applies any
// change to its cache and notifies sync handlers once the change is
// committed. Failed polls leave the cache untouched and are retried on the
// next tick.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/task"
	"github.com/matt-riley/splitsdk/internal/tracing"
)

const defaultFetchTimeout = 30 * time.Second

var (
	ErrNilSource      = errors.New("change source is nil")
	ErrNilCache       = errors.New("cache is nil")
	ErrPollInProgress = errors.New("poll already in progress")
)

var tracer = tracing.Tracer("internal/fetcher")

// Change is a unit of remote data tagged with the version it brings the
// cache to.
type Change[T any] struct {
	Data    T
	Version int64
}

// ChangeFetcher retrieves changes newer than since. A nil change with a nil
// error means the cache is already current.
type ChangeFetcher[T any] interface {
	Fetch(ctx context.Context, since int64) (*Change[T], error)
}

// ChangeFetcherFunc adapts a function to a ChangeFetcher.
type ChangeFetcherFunc[T any] func(ctx context.Context, since int64) (*Change[T], error)

func (f ChangeFetcherFunc[T]) Fetch(ctx context.Context, since int64) (*Change[T], error) {
	return f(ctx, since)
}

// Cache is the destination of a Fetcher.
type Cache[T any] interface {
	Version() int64
	Len() int
	Apply(change Change[T])
}

// SyncHandler runs after a successful poll. changed reports whether the
// cache was modified.
type SyncHandler func(changed bool)

type Fetcher[T any] struct {
	name     string
	source   ChangeFetcher[T]
	cache    Cache[T]
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	handlersMu sync.Mutex
	handlers   []SyncHandler

	polling atomic.Bool
	synced  atomic.Bool
	task    *task.Periodic
}

type Option[T any] func(*Fetcher[T])

func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(f *Fetcher[T]) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithClock[T any](clock clockwork.Clock) Option[T] {
	return func(f *Fetcher[T]) {
		if clock != nil {
			f.clock = clock
		}
	}
}

func WithMetrics[T any](m *metrics.Metrics) Option[T] {
	return func(f *Fetcher[T]) {
		f.metrics = m
	}
}

// WithTimeout bounds a single poll.
func WithTimeout[T any](timeout time.Duration) Option[T] {
	return func(f *Fetcher[T]) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

func WithSyncHandler[T any](handler SyncHandler) Option[T] {
	return func(f *Fetcher[T]) {
		if handler != nil {
			f.handlers = append(f.handlers, handler)
		}
	}
}

func New[T any](name string, source ChangeFetcher[T], cache Cache[T], interval time.Duration, opts ...Option[T]) (*Fetcher[T], error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if cache == nil {
		return nil, ErrNilCache
	}

	f := &Fetcher[T]{
		name:     name,
		source:   source,
		cache:    cache,
		interval: interval,
		timeout:  defaultFetchTimeout,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.Component(f.logger, "fetcher", "fetcher", name)
	f.task = task.New("fetch-"+name, interval, f.tick, task.WithClock(f.clock), task.WithLogger(f.logger))

	return f, nil
}

// OnSync registers a handler for successful polls.
func (f *Fetcher[T]) OnSync(handler SyncHandler) {
	f.handlersMu.Lock()
	f.handlers = append(f.handlers, handler)
	f.handlersMu.Unlock()
}

// Start polls immediately and then every interval until Stop.
func (f *Fetcher[T]) Start(ctx context.Context) {
	f.task.Start(ctx)
}

// Stop cancels future polls and waits for an in-flight poll.
func (f *Fetcher[T]) Stop() {
	f.task.Stop()
}

// Synced reports whether at least one poll succeeded.
func (f *Fetcher[T]) Synced() bool {
	return f.synced.Load()
}

func (f *Fetcher[T]) tick(ctx context.Context) {
	_ = f.Poll(ctx)
}

// Poll performs one fetch. A poll that overlaps another returns
// ErrPollInProgress without contacting the source.
func (f *Fetcher[T]) Poll(ctx context.Context) error {
	if !f.polling.CompareAndSwap(false, true) {
		f.metrics.RecordFetch(f.name, metrics.FetchSkipped)
		f.logger.Debug("skipping poll, previous poll still running")
		return ErrPollInProgress
	}
	defer f.polling.Store(false)

	since := f.cache.Version()

	ctx, span := tracer.Start(ctx, "fetcher.poll")
	defer span.End()
	span.SetAttributes(attribute.String("fetcher.name", f.name), attribute.Int64("fetcher.since", since))

	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	change, err := f.fetchSafely(fetchCtx, since)
	if err != nil {
		f.metrics.RecordFetch(f.name, metrics.FetchError)
		tracing.Fail(span, err)
		f.logger.Warn("fetch failed, keeping cached data", "since", since, "error", err)
		return fmt.Errorf("fetch %s since %d: %w", f.name, since, err)
	}

	changed := change != nil && change.Version != since
	if changed {
		f.cache.Apply(*change)
		f.metrics.RecordFetch(f.name, metrics.FetchChanged)
		f.metrics.SetCacheSize(f.name, f.cache.Len())
		span.SetAttributes(attribute.Int64("fetcher.version", change.Version))
		f.logger.Debug("cache updated", "since", since, "version", change.Version)
	} else {
		f.metrics.RecordFetch(f.name, metrics.FetchUnchanged)
	}

	f.synced.Store(true)
	f.notify(changed)
	return nil
}

// fetchSafely turns a panicking source into a failed fetch so the cache
// keeps its data and the next tick retries.
func (f *Fetcher[T]) fetchSafely(ctx context.Context, since int64) (change *Change[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			change, err = nil, fmt.Errorf("source panic: %v", r)
		}
	}()
	return f.source.Fetch(ctx, since)
}

func (f *Fetcher[T]) notify(changed bool) {
	f.handlersMu.Lock()
	handlers := append([]SyncHandler(nil), f.handlers...)
	f.handlersMu.Unlock()

	for _, handler := range handlers {
		handler(changed)
	}
}
