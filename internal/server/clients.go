package server

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/sdk"
)

// DefaultMaxClients bounds the per-key SDK clients a ClientPool keeps.
const DefaultMaxClients = 10000

// ClientPool caps the per-key clients created from request input. Every
// client runs its own segment poller, so the least recently used idle
// client is closed once the pool is over capacity. Clients leased to an
// in-flight request are never closed; the pool overshoots instead.
type ClientPool struct {
	provider ClientProvider
	max      int
	pinned   map[sdk.Key]struct{}
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	order   *list.List
	entries map[sdk.Key]*list.Element
}

type pooledClient struct {
	key    sdk.Key
	client *sdk.Client
	leases int
}

// ClientPoolOption configures a [ClientPool].
type ClientPoolOption func(*ClientPool)

// WithPinnedKeys keeps the clients for keys out of eviction, e.g. the
// client that drives readiness.
func WithPinnedKeys(keys ...sdk.Key) ClientPoolOption {
	return func(p *ClientPool) {
		for _, key := range keys {
			p.pinned[key] = struct{}{}
		}
	}
}

func WithPoolLogger(logger *slog.Logger) ClientPoolOption {
	return func(p *ClientPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPoolMetrics(m *metrics.Metrics) ClientPoolOption {
	return func(p *ClientPool) {
		p.metrics = m
	}
}

// NewClientPool wraps provider. maxClients <= 0 selects DefaultMaxClients.
func NewClientPool(provider ClientProvider, maxClients int, opts ...ClientPoolOption) *ClientPool {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	p := &ClientPool{
		provider: provider,
		max:      maxClients,
		pinned:   make(map[sdk.Key]struct{}),
		logger:   slog.Default(),
		order:    list.New(),
		entries:  make(map[sdk.Key]*list.Element),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "client-pool")
	return p
}

// Acquire leases the client for key. The returned release function must be
// called once the request is done with the client.
func (p *ClientPool) Acquire(key sdk.Key) (*sdk.Client, func(), error) {
	p.mu.Lock()
	if entry := p.leaseLocked(key); entry != nil {
		p.mu.Unlock()
		return entry.client, p.releaser(entry), nil
	}
	p.mu.Unlock()

	client, err := p.provider.Client(key)
	if err == nil && client.Closed() {
		// Evicted by a concurrent Acquire; the factory hands out a new one.
		client, err = p.provider.Client(key)
	}
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	entry := p.leaseLocked(key)
	if entry == nil || entry.client != client {
		if entry != nil {
			entry.leases--
		}
		if elem, ok := p.entries[key]; ok {
			p.order.Remove(elem)
		}
		entry = &pooledClient{key: key, client: client, leases: 1}
		p.entries[key] = p.order.PushFront(entry)
	}
	evicted := p.evictLocked()
	size := p.order.Len()
	p.mu.Unlock()

	for _, c := range evicted {
		c.Close()
	}
	if len(evicted) > 0 {
		p.logger.Debug("closed idle clients", "evicted", len(evicted), "clients", size)
	}
	p.metrics.SetCacheSize("sidecar_clients", size)
	return client, p.releaser(entry), nil
}

// Len returns the number of clients the pool tracks.
func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

func (p *ClientPool) leaseLocked(key sdk.Key) *pooledClient {
	elem, ok := p.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*pooledClient)
	entry.leases++
	p.order.MoveToFront(elem)
	return entry
}

func (p *ClientPool) releaser(entry *pooledClient) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			entry.leases--
			p.mu.Unlock()
		})
	}
}

// evictLocked removes idle, unpinned clients from the back of the recency
// list until the pool is within capacity.
func (p *ClientPool) evictLocked() []*sdk.Client {
	var evicted []*sdk.Client
	for elem := p.order.Back(); elem != nil && p.order.Len() > p.max; {
		prev := elem.Prev()
		entry := elem.Value.(*pooledClient)
		if _, pinned := p.pinned[entry.key]; !pinned && entry.leases == 0 {
			p.order.Remove(elem)
			delete(p.entries, entry.key)
			evicted = append(evicted, entry.client)
		}
		elem = prev
	}
	return evicted
}
