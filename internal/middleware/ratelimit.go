package middleware

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default rate limit for failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps memory; the least recently failing IP is
	// forgotten first.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type failureBudget struct {
	ip       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks per-IP failed authentication attempts. Each IP gets a
// token bucket holding maxPerMinute tokens that refills over a minute;
// every failure spends one. Entries are kept in recency order so eviction
// and the stale sweep only look at the cold end.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*list.Element
	recency       *list.List // front is the most recent failure
	maxPerMinute  int
	maxTrackedIPs int
	clock         clockwork.Clock
	cancel        context.CancelFunc
	done          chan struct{}
}

type RateLimiterOption func(*RateLimiter)

func WithRateLimiterClock(clock clockwork.Clock) RateLimiterOption {
	return func(rl *RateLimiter) {
		if clock != nil {
			rl.clock = clock
		}
	}
}

func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTrackedIPs = n
		}
	}
}

// NewRateLimiter creates a per-IP limiter allowing maxPerMinute failures.
// Pass 0 to use DefaultMaxAttemptsPerMinute. Stale entries are swept every
// minute until ctx is cancelled or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:       make(map[string]*list.Element),
		recency:       list.New(),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		clock:         clockwork.NewRealClock(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweep(ctx, rl.clock.NewTicker(cleanupInterval))
	return rl
}

// Allow reports whether ip still has failure budget left. It does not spend
// any, so successful requests from a throttled-then-recovered IP are free.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.budgetLocked(ip)
	return b == nil || b.limiter.TokensAt(rl.clock.Now()) >= 1
}

// RecordFailureAndAllow spends one unit of ip's budget and reports whether
// the attempt was still within it.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	el, ok := rl.entries[ip]
	if !ok {
		for rl.recency.Len() >= rl.maxTrackedIPs {
			rl.removeLocked(rl.recency.Back())
		}
		limit := rate.Limit(float64(rl.maxPerMinute) / time.Minute.Seconds())
		el = rl.recency.PushFront(&failureBudget{ip: ip, limiter: rate.NewLimiter(limit, rl.maxPerMinute)})
		rl.entries[ip] = el
	}
	b := el.Value.(*failureBudget)
	b.lastSeen = now
	rl.recency.MoveToFront(el)
	return b.limiter.AllowN(now, 1)
}

// RetryAfter returns how long until ip regains one unit of budget, or zero
// when it has budget now.
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.budgetLocked(ip)
	if b == nil {
		return 0
	}
	missing := 1 - b.limiter.TokensAt(rl.clock.Now())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second))
}

// Tracked returns how many IPs currently have an entry.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop cancels the background sweep and waits for it to exit.
func (rl *RateLimiter) Stop() {
	rl.cancel()
	<-rl.done
}

func (rl *RateLimiter) budgetLocked(ip string) *failureBudget {
	el, ok := rl.entries[ip]
	if !ok {
		return nil
	}
	return el.Value.(*failureBudget)
}

func (rl *RateLimiter) removeLocked(el *list.Element) {
	rl.recency.Remove(el)
	delete(rl.entries, el.Value.(*failureBudget).ip)
}

func (rl *RateLimiter) sweep(ctx context.Context, ticker clockwork.Ticker) {
	defer close(rl.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-staleThreshold)
	for el := rl.recency.Back(); el != nil; el = rl.recency.Back() {
		if el.Value.(*failureBudget).lastSeen.After(cutoff) {
			return
		}
		rl.removeLocked(el)
	}
}

// ExtractIP returns the host part of a RemoteAddr, or the input unchanged
// when it carries no port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
