// Package task runs background work on a fixed interval.
package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Periodic calls a function every interval on its own goroutine. Runs never
// overlap: a tick that arrives while a run is in progress is delivered after
// it, and the ticker drops any further ticks in between.
type Periodic struct {
	name      string
	interval  time.Duration
	run       func(context.Context)
	clock     clockwork.Clock
	logger    *slog.Logger
	immediate bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Periodic)

func WithClock(clock clockwork.Clock) Option {
	return func(p *Periodic) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Periodic) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithImmediateRun controls whether Start runs the function once before the
// first tick. Defaults to true.
func WithImmediateRun(immediate bool) Option {
	return func(p *Periodic) {
		p.immediate = immediate
	}
}

func New(name string, interval time.Duration, run func(context.Context), opts ...Option) *Periodic {
	p := &Periodic{
		name:      name,
		interval:  interval,
		run:       run,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		immediate: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the loop. Calling Start on a running task is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	ticker := p.clock.NewTicker(p.interval)
	go p.loop(loopCtx, ticker, p.done)

	p.logger.Debug("periodic task started", "task", p.name, "interval", p.interval)
}

// Stop cancels future runs and waits for an in-flight run to return.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	p.logger.Debug("periodic task stopped", "task", p.name)
}

func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Periodic) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	// In-flight runs finish even when Stop cancels the loop.
	runCtx := context.WithoutCancel(ctx)

	if p.immediate {
		p.run(runCtx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			p.run(runCtx)
		}
	}
}
