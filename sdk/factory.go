package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/events"
	"github.com/matt-riley/splitsdk/internal/fetcher"
	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/queue"
	"github.com/matt-riley/splitsdk/internal/storage"
	"github.com/matt-riley/splitsdk/internal/validation"
)

const (
	splitsFetcherName    = "splits"
	segmentsFetcherName  = "segments"
	impressionsQueueName = "impressions"
	eventsQueueName      = "events"
	snapshotTimeout      = 5 * time.Second
)

var (
	ErrMissingSplitSource   = errors.New("split source is required")
	ErrMissingSegmentSource = errors.New("segment source is required")
	ErrDestroyed            = errors.New("factory has been destroyed")
)

// Factory owns everything shared between clients: the split cache and its
// fetcher, the telemetry queues and the snapshot store.
type Factory struct {
	cfg        Config
	instanceID string

	logger       *slog.Logger
	metrics      *metrics.Metrics
	clock        clockwork.Clock
	validator    *validation.Pipeline
	newEvaluator EvaluatorFactory
	listener     ImpressionListener
	store        storage.SnapshotStore

	splitSource         SplitSource
	segmentSource       SegmentSource
	impressionTransport ImpressionTransport
	eventTransport      EventTransport

	splits       *fetcher.SplitCache
	splitFetcher *fetcher.Fetcher[[]core.Split]
	impressions  *queue.BatchQueue[core.Impression]
	events       *queue.BatchQueue[core.EventRecord]
	warm         bool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	clients   map[core.Key]*Client
	destroyed atomic.Bool
}

// NewFactory validates its collaborators, restores any snapshot and starts
// the split fetcher and telemetry queues. The factory runs until Destroy or
// until ctx is cancelled.
func NewFactory(ctx context.Context, cfg Config, opts ...Option) (*Factory, error) {
	f := &Factory{
		cfg:        cfg.withDefaults(),
		instanceID: uuid.NewString(),
		logger:     slog.Default(),
		clock:      clockwork.NewRealClock(),
		newEvaluator: func(splits core.SplitLookup, segments core.SegmentLookup) core.Evaluator {
			return core.NewRuleEvaluator(splits, segments)
		},
		splits:  fetcher.NewSplitCache(),
		clients: make(map[core.Key]*Client),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.splitSource == nil {
		return nil, ErrMissingSplitSource
	}
	if f.segmentSource == nil {
		return nil, ErrMissingSegmentSource
	}

	f.logger = logging.Component(f.logger, "sdk", "instance_id", f.instanceID)
	f.validator = validation.NewPipeline(
		validation.WithLogger(f.logger),
		validation.WithObserver(func(err *validation.Error) { f.metrics.RecordValidation(err.Tag, err.IsError) }),
	)
	if f.impressionTransport == nil {
		f.impressionTransport = discardTransport[core.Impression](f.logger, impressionsQueueName)
	}
	if f.eventTransport == nil {
		f.eventTransport = discardTransport[core.EventRecord](f.logger, eventsQueueName)
	}

	var err error
	f.impressions, err = queue.New(impressionsQueueName, queue.Config{
		MaxQueueSize: f.cfg.ImpressionsQueueSize,
		ItemsPerPush: f.cfg.ImpressionsChunkSize,
		PushInterval: f.cfg.ImpressionRefreshRate,
	}, f.impressionTransport,
		queue.WithClock[core.Impression](f.clock),
		queue.WithLogger[core.Impression](f.logger),
		queue.WithMetrics[core.Impression](f.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create impressions queue: %w", err)
	}

	f.events, err = queue.New(eventsQueueName, queue.Config{
		MaxQueueSize:   f.cfg.EventsQueueSize,
		ItemsPerPush:   f.cfg.EventsPerPush,
		PushInterval:   f.cfg.EventsPushRate,
		FirstPushDelay: f.cfg.EventsFirstPushWindow,
	}, f.eventTransport,
		queue.WithClock[core.EventRecord](f.clock),
		queue.WithLogger[core.EventRecord](f.logger),
		queue.WithMetrics[core.EventRecord](f.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create events queue: %w", err)
	}

	f.splitFetcher, err = fetcher.New(splitsFetcherName, f.splitSource, fetcher.Cache[[]core.Split](f.splits), f.cfg.FeaturesRefreshRate,
		fetcher.WithClock[[]core.Split](f.clock),
		fetcher.WithLogger[[]core.Split](f.logger),
		fetcher.WithMetrics[[]core.Split](f.metrics),
		fetcher.WithTimeout[[]core.Split](f.cfg.FetchTimeout),
		fetcher.WithSyncHandler[[]core.Split](f.onSplitsSynced),
	)
	if err != nil {
		return nil, fmt.Errorf("create split fetcher: %w", err)
	}

	f.ctx, f.cancel = context.WithCancel(context.WithoutCancel(ctx))
	f.restoreSplits(ctx)

	f.splitFetcher.Start(f.ctx)
	f.impressions.Start(f.ctx)
	f.events.Start(f.ctx)

	go func() {
		select {
		case <-ctx.Done():
			f.Destroy(context.Background())
		case <-f.ctx.Done():
		}
	}()

	return f, nil
}

// InstanceID identifies this factory in upstream requests and logs.
func (f *Factory) InstanceID() string {
	return f.instanceID
}

// Client returns the client for key, creating it on first use. Options
// apply only when the client is created.
func (f *Factory) Client(key Key, opts ...ClientOption) (*Client, error) {
	if f.destroyed.Load() {
		return nil, ErrDestroyed
	}

	f.mu.Lock()
	existing, ok := f.clients[key]
	f.mu.Unlock()
	if ok {
		return existing, nil
	}

	client := newClient(f, key, opts...)

	f.mu.Lock()
	if f.destroyed.Load() {
		f.mu.Unlock()
		return nil, ErrDestroyed
	}
	if existing, ok := f.clients[key]; ok {
		f.mu.Unlock()
		return existing, nil
	}
	f.clients[key] = client
	client.start(f.ctx)
	f.mu.Unlock()

	// Handlers may call back into the factory, so they fire outside the lock.
	client.announce(f.warm, f.splitFetcher.Synced())
	return client, nil
}

// Destroy stops every client and background task and flushes buffered
// telemetry. Later calls are no-ops.
func (f *Factory) Destroy(ctx context.Context) {
	f.mu.Lock()
	if f.destroyed.Load() {
		f.mu.Unlock()
		return
	}
	f.destroyed.Store(true)
	clients := make([]*Client, 0, len(f.clients))
	for _, client := range f.clients {
		clients = append(clients, client)
	}
	f.clients = make(map[core.Key]*Client)
	f.mu.Unlock()

	for _, client := range clients {
		client.stop()
	}

	f.splitFetcher.Stop()
	f.impressions.Close(ctx)
	f.events.Close(ctx)
	f.cancel()

	f.logger.Info("factory destroyed", "clients", len(clients))
}

// Destroyed reports whether Destroy has run.
func (f *Factory) Destroyed() bool {
	return f.destroyed.Load()
}

func (f *Factory) removeClient(client *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients[client.key] == client {
		delete(f.clients, client.key)
	}
}

// Flush sends buffered impressions and events now.
func (f *Factory) Flush(ctx context.Context) {
	f.impressions.Flush(ctx)
	f.events.Flush(ctx)
}

// SplitNames lists the names of every cached split.
func (f *Factory) SplitNames() []string {
	return f.splits.Names()
}

func (f *Factory) restoreSplits(ctx context.Context) {
	if f.store == nil {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	splits, changeNumber, err := f.store.LoadSplits(loadCtx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			f.logger.Warn("failed to restore split snapshot", "error", err)
		}
		return
	}

	f.splits.Replace(splits, changeNumber)
	f.metrics.SetCacheSize(splitsFetcherName, f.splits.Len())
	f.warm = true
	f.logger.Info("restored split snapshot", "splits", len(splits), "change_number", changeNumber)
}

func (f *Factory) onSplitsSynced(changed bool) {
	if changed {
		f.saveSplits()
	}

	f.mu.Lock()
	clients := make([]*Client, 0, len(f.clients))
	for _, client := range f.clients {
		clients = append(clients, client)
	}
	f.mu.Unlock()

	for _, client := range clients {
		client.readiness.NotifySynced(events.Splits)
	}
}

func (f *Factory) saveSplits() {
	if f.store == nil {
		return
	}

	// The cache is already committed; persisting it is best effort.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), snapshotTimeout)
	defer cancel()

	splits, changeNumber := f.splits.Snapshot()
	if err := f.store.SaveSplits(ctx, splits, changeNumber); err != nil {
		f.logger.Warn("failed to persist split snapshot", "error", err)
	}
}

func (f *Factory) now() time.Time {
	return f.clock.Now()
}

func discardTransport[T any](logger *slog.Logger, name string) queue.TransportFunc[T] {
	return func(_ context.Context, batch []T) error {
		logger.Debug("no transport configured, discarding batch", "queue", name, "size", len(batch))
		return nil
	}
}
