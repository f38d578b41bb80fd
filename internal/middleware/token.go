package middleware

import (
	"container/list"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenHashCost = bcrypt.DefaultCost

	// DefaultTokenCacheSize bounds how many distinct accepted tokens a
	// CachingValidator remembers.
	DefaultTokenCacheSize = 64
)

var (
	errTokenMismatch = errors.New("token does not match")
	errNoTokenHashes = errors.New("no token hashes configured")
)

// HashToken returns a salted bcrypt hash suitable for SPLITD_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// HashValidator accepts any token matching one of its bcrypt hashes. More
// than one hash lets a deployment rotate tokens without downtime.
type HashValidator struct {
	hashes [][]byte
}

func NewHashValidator(hashes ...string) *HashValidator {
	v := &HashValidator{}
	for _, h := range hashes {
		if h != "" {
			v.hashes = append(v.hashes, []byte(h))
		}
	}
	return v
}

func (v *HashValidator) ValidateToken(_ context.Context, token string) error {
	if len(v.hashes) == 0 {
		return errNoTokenHashes
	}
	for _, hash := range v.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return nil
		}
	}
	return errTokenMismatch
}

// CachingValidator remembers tokens its inner validator accepted for a
// TTL, so steady traffic from a sidecar's local callers pays for bcrypt
// once per TTL rather than once per request. Only digests are stored and
// rejected tokens are never cached.
type CachingValidator struct {
	inner TokenValidator
	ttl   time.Duration
	size  int
	clock clockwork.Clock

	mu      sync.Mutex
	order   *list.List // front is most recently accepted
	entries map[[sha256.Size]byte]*list.Element
}

type cachedToken struct {
	digest  [sha256.Size]byte
	expires time.Time
}

// CachingOption configures a CachingValidator.
type CachingOption func(*CachingValidator)

func WithTokenCacheClock(clock clockwork.Clock) CachingOption {
	return func(v *CachingValidator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

func WithTokenCacheSize(n int) CachingOption {
	return func(v *CachingValidator) {
		if n > 0 {
			v.size = n
		}
	}
}

// NewCachingValidator wraps inner. A non-positive ttl disables caching.
func NewCachingValidator(inner TokenValidator, ttl time.Duration, opts ...CachingOption) *CachingValidator {
	v := &CachingValidator{
		inner:   inner,
		ttl:     ttl,
		size:    DefaultTokenCacheSize,
		clock:   clockwork.NewRealClock(),
		order:   list.New(),
		entries: make(map[[sha256.Size]byte]*list.Element),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *CachingValidator) ValidateToken(ctx context.Context, token string) error {
	if v.ttl <= 0 {
		return v.inner.ValidateToken(ctx, token)
	}
	digest := sha256.Sum256([]byte(token))
	if v.cached(digest) {
		return nil
	}
	if err := v.inner.ValidateToken(ctx, token); err != nil {
		return err
	}
	v.remember(digest)
	return nil
}

func (v *CachingValidator) cached(digest [sha256.Size]byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	el, ok := v.entries[digest]
	if !ok {
		return false
	}
	if v.clock.Now().After(el.Value.(*cachedToken).expires) {
		v.order.Remove(el)
		delete(v.entries, digest)
		return false
	}
	v.order.MoveToFront(el)
	return true
}

func (v *CachingValidator) remember(digest [sha256.Size]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	expires := v.clock.Now().Add(v.ttl)
	if el, ok := v.entries[digest]; ok {
		el.Value.(*cachedToken).expires = expires
		v.order.MoveToFront(el)
		return
	}
	for v.order.Len() >= v.size {
		oldest := v.order.Back()
		v.order.Remove(oldest)
		delete(v.entries, oldest.Value.(*cachedToken).digest)
	}
	v.entries[digest] = v.order.PushFront(&cachedToken{digest: digest, expires: expires})
}

// Len returns the number of cached tokens, expired ones included.
func (v *CachingValidator) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.order.Len()
}
