// Package events tracks SDK readiness and dispatches readiness callbacks.
//
// Each event fires at most once. Callbacks registered before an event fires
// run once, in registration order, after the data that triggered the event
// is committed. Registering for an event that already fired logs a warning
// and the callback never runs.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/metrics"
)

type Event string

const (
	SDKReadyFromCache Event = "SDK_READY_FROM_CACHE"
	SDKReady          Event = "SDK_READY"
	SDKReadyTimedOut  Event = "SDK_READY_TIMED_OUT"
)

// Dataset names data that must sync before SDKReady fires.
type Dataset string

const (
	Splits   Dataset = "splits"
	Segments Dataset = "segments"
)

type Handler func()

type Manager struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	fired    map[Event]bool
	handlers map[Event][]Handler
	pending  map[Dataset]bool
	timer    clockwork.Timer
	ready    chan struct{}
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager returns a manager that fires SDKReady once every dataset has
// synced.
func NewManager(datasets []Dataset, opts ...Option) *Manager {
	m := &Manager{
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		fired:    make(map[Event]bool),
		handlers: make(map[Event][]Handler),
		pending:  make(map[Dataset]bool, len(datasets)),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "events")
	for _, dataset := range datasets {
		m.pending[dataset] = true
	}
	return m
}

// StartTimeout arms SDKReadyTimedOut. It fires once after timeout unless
// SDKReady fired first. A non-positive timeout disables it.
func (m *Manager) StartTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil || m.fired[SDKReady] {
		return
	}
	m.timer = m.clock.AfterFunc(timeout, func() {
		m.fire(SDKReadyTimedOut, func() bool { return !m.fired[SDKReady] })
	})
}

// Register adds a callback for event. It returns false when the event
// already fired, in which case the callback is dropped.
func (m *Manager) Register(event Event, handler Handler) bool {
	if handler == nil {
		return false
	}

	m.mu.Lock()
	if m.fired[event] {
		m.mu.Unlock()
		m.logger.Warn("a handler was added for an event that has already fired and won't be emitted again, the callback won't be executed", "event", event)
		return false
	}
	m.handlers[event] = append(m.handlers[event], handler)
	m.mu.Unlock()
	return true
}

// NotifySynced marks dataset as synced and fires SDKReady when nothing is
// pending.
func (m *Manager) NotifySynced(dataset Dataset) {
	m.fire(SDKReady, func() bool {
		delete(m.pending, dataset)
		return len(m.pending) == 0
	})
}

// NotifyCacheLoaded fires SDKReadyFromCache unless SDKReady already fired.
func (m *Manager) NotifyCacheLoaded() {
	m.fire(SDKReadyFromCache, func() bool { return !m.fired[SDKReady] })
}

func (m *Manager) Fired(event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired[event]
}

// Ready is closed when SDKReady fires.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Stop disarms the timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}

// fire marks event as fired when guard allows it, then runs the registered
// handlers outside the lock. guard runs under the lock.
func (m *Manager) fire(event Event, guard func() bool) {
	m.mu.Lock()
	if !guard() || m.fired[event] {
		m.mu.Unlock()
		return
	}
	m.fired[event] = true
	handlers := m.handlers[event]
	m.handlers[event] = nil
	if event == SDKReady {
		close(m.ready)
		if m.timer != nil {
			m.timer.Stop()
		}
	}
	m.mu.Unlock()

	m.metrics.RecordReadinessEvent(string(event))
	m.logger.Info("readiness event fired", "event", event, "handlers", len(handlers))

	for _, handler := range handlers {
		m.invoke(event, handler)
	}
}

func (m *Manager) invoke(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("readiness handler panicked", "event", event, "panic", r)
		}
	}()
	handler()
}
