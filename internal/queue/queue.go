// Package queue buffers telemetry and delivers it to a transport in
// bounded batches.
//
// Append never blocks the caller. When the buffer reaches MaxQueueSize it is
// handed to the sender goroutine for an immediate flush. Items waiting in
// that hand-off still count toward MaxQueueSize, so new items are dropped
// until the sender picks it up. Delivery is at most once: a batch the
// transport rejects is discarded.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/tracing"
)

const defaultSendTimeout = 30 * time.Second

var (
	ErrNilTransport  = errors.New("transport is nil")
	ErrInvalidConfig = errors.New("invalid queue config")
)

var tracer = tracing.Tracer("internal/queue")

// Transport delivers one batch upstream.
type Transport[T any] interface {
	Send(ctx context.Context, batch []T) error
}

// TransportFunc adapts a function to a Transport.
type TransportFunc[T any] func(ctx context.Context, batch []T) error

func (f TransportFunc[T]) Send(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}

type Config struct {
	MaxQueueSize   int
	ItemsPerPush   int
	PushInterval   time.Duration
	FirstPushDelay time.Duration
}

func (c Config) validate() error {
	switch {
	case c.MaxQueueSize <= 0:
		return fmt.Errorf("%w: max queue size must be > 0", ErrInvalidConfig)
	case c.ItemsPerPush <= 0:
		return fmt.Errorf("%w: items per push must be > 0", ErrInvalidConfig)
	case c.PushInterval <= 0:
		return fmt.Errorf("%w: push interval must be > 0", ErrInvalidConfig)
	case c.FirstPushDelay < 0:
		return fmt.Errorf("%w: first push delay must be >= 0", ErrInvalidConfig)
	}
	return nil
}

type BatchQueue[T any] struct {
	name        string
	cfg         Config
	transport   Transport[T]
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration

	mu        sync.Mutex
	buffer    []T
	closed    bool
	startedAt time.Time
	handOff   chan []T
	// pending is the size of the batch waiting in handOff.
	pending int

	// sendMu keeps batches in FIFO order across the loop and Flush.
	sendMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

type Option[T any] func(*BatchQueue[T])

func WithClock[T any](clock clockwork.Clock) Option[T] {
	return func(q *BatchQueue[T]) {
		if clock != nil {
			q.clock = clock
		}
	}
}

func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(q *BatchQueue[T]) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithMetrics[T any](m *metrics.Metrics) Option[T] {
	return func(q *BatchQueue[T]) {
		q.metrics = m
	}
}

func WithSendTimeout[T any](timeout time.Duration) Option[T] {
	return func(q *BatchQueue[T]) {
		if timeout > 0 {
			q.sendTimeout = timeout
		}
	}
}

func New[T any](name string, cfg Config, transport Transport[T], opts ...Option[T]) (*BatchQueue[T], error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s queue: %w", name, err)
	}

	q := &BatchQueue[T]{
		name:        name,
		cfg:         cfg,
		transport:   transport,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		sendTimeout: defaultSendTimeout,
		handOff:     make(chan []T, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.Component(q.logger, "queue", "queue", name)
	return q, nil
}

// Append buffers an item. It never blocks and never fails observably.
func (q *BatchQueue[T]) Append(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.metrics.AddDropped(q.name, metrics.DropOverflow, 1)
		q.logger.Debug("queue closed, dropping item")
		return
	}
	if len(q.buffer)+q.pending >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		q.metrics.AddDropped(q.name, metrics.DropOverflow, 1)
		q.logger.Warn("queue full and previous flush still pending, dropping item", "max_queue_size", q.cfg.MaxQueueSize)
		return
	}

	q.buffer = append(q.buffer, item)
	if len(q.buffer) >= q.cfg.MaxQueueSize {
		q.handOffLocked()
	}
	length := len(q.buffer) + q.pending
	q.mu.Unlock()

	q.metrics.SetQueueLength(q.name, length)
}

// handOffLocked detaches the buffer for the sender goroutine. The buffer
// stays put if a previous hand-off has not been picked up yet.
func (q *BatchQueue[T]) handOffLocked() {
	select {
	case q.handOff <- q.buffer:
		q.pending = len(q.buffer)
		q.buffer = nil
	default:
	}
}

// releaseHandOff is called once the sender has taken the hand-off.
func (q *BatchQueue[T]) releaseHandOff() {
	q.mu.Lock()
	q.pending = 0
	q.mu.Unlock()
}

// Len returns the number of items held, including a pending hand-off.
func (q *BatchQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer) + q.pending
}

// Start launches the sender goroutine. Periodic flushes are suppressed
// until FirstPushDelay has elapsed.
func (q *BatchQueue[T]) Start(ctx context.Context) {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.cancel != nil {
		return
	}

	q.mu.Lock()
	q.startedAt = q.clock.Now()
	q.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	ticker := q.clock.NewTicker(q.cfg.PushInterval)
	go q.loop(loopCtx, ticker, q.done)
}

// Stop ends the sender goroutine after any in-flight send. Buffered items
// stay queued; Close also flushes them.
func (q *BatchQueue[T]) Stop() {
	q.lifecycleMu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the queue, rejects further items and flushes what is left.
func (q *BatchQueue[T]) Close(ctx context.Context) {
	q.Stop()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.Flush(ctx)
}

// Flush sends every buffered item, including a pending hand-off, in
// batches of ItemsPerPush.
func (q *BatchQueue[T]) Flush(ctx context.Context) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.drainHandOffLocked(ctx)

	q.mu.Lock()
	items := q.buffer
	q.buffer = nil
	q.mu.Unlock()
	q.metrics.SetQueueLength(q.name, 0)

	q.sendChunks(ctx, items)
}

func (q *BatchQueue[T]) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	sendCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-q.handOff:
			q.releaseHandOff()
			q.sendMu.Lock()
			q.sendChunks(sendCtx, batch)
			q.sendMu.Unlock()
		case now := <-ticker.Chan():
			q.onTick(sendCtx, now)
		}
	}
}

func (q *BatchQueue[T]) onTick(ctx context.Context, now time.Time) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	// Older items waiting in the hand-off go first.
	q.drainHandOffLocked(ctx)

	q.mu.Lock()
	if now.Sub(q.startedAt) < q.cfg.FirstPushDelay {
		q.mu.Unlock()
		q.logger.Debug("skipping flush inside first push window")
		return
	}
	n := min(len(q.buffer), q.cfg.ItemsPerPush)
	batch := q.buffer[:n:n]
	q.buffer = q.buffer[n:]
	length := len(q.buffer)
	q.mu.Unlock()

	q.metrics.SetQueueLength(q.name, length)
	if len(batch) > 0 {
		q.send(ctx, batch)
	}
}

func (q *BatchQueue[T]) drainHandOffLocked(ctx context.Context) {
	select {
	case batch := <-q.handOff:
		q.releaseHandOff()
		q.sendChunks(ctx, batch)
	default:
	}
}

func (q *BatchQueue[T]) sendChunks(ctx context.Context, items []T) {
	for len(items) > 0 {
		n := min(len(items), q.cfg.ItemsPerPush)
		q.send(ctx, items[:n:n])
		items = items[n:]
	}
}

func (q *BatchQueue[T]) send(ctx context.Context, batch []T) {
	ctx, span := tracer.Start(ctx, "queue.send")
	defer span.End()
	span.SetAttributes(attribute.String("queue.name", q.name), attribute.Int("queue.batch_size", len(batch)))

	sendCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	defer cancel()

	err := q.sendSafely(sendCtx, batch)
	q.metrics.RecordBatch(q.name, len(batch), err)
	if err != nil {
		tracing.Fail(span, err)
		q.metrics.AddDropped(q.name, metrics.DropTransport, len(batch))
		q.logger.Error("failed to send batch, dropping it", "size", len(batch), "error", err)
		return
	}
	q.logger.Debug("batch sent", "size", len(batch))
}

// sendSafely turns a panicking transport into a failed send.
func (q *BatchQueue[T]) sendSafely(ctx context.Context, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return q.transport.Send(ctx, batch)
}
