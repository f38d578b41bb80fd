package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type countingValidator struct {
	calls int
	valid string
}

func (c *countingValidator) ValidateToken(_ context.Context, token string) error {
	c.calls++
	if token != c.valid {
		return errTokenMismatch
	}
	return nil
}

func TestCachingValidator(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &countingValidator{valid: "s3cret"}
	v := NewCachingValidator(inner, time.Minute, WithTokenCacheClock(clock))
	ctx := context.Background()

	for range 3 {
		if err := v.ValidateToken(ctx, "s3cret"); err != nil {
			t.Fatalf("ValidateToken() error = %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}

	for range 2 {
		if err := v.ValidateToken(ctx, "nope"); !errors.Is(err, errTokenMismatch) {
			t.Fatalf("ValidateToken(nope) error = %v, want mismatch", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("inner calls after rejects = %d, want 3", inner.calls)
	}
	if v.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", v.Len())
	}

	clock.Advance(time.Minute + time.Second)
	if err := v.ValidateToken(ctx, "s3cret"); err != nil {
		t.Fatalf("ValidateToken() after expiry error = %v", err)
	}
	if inner.calls != 4 {
		t.Fatalf("inner calls after expiry = %d, want 4", inner.calls)
	}
}

func TestCachingValidator_EvictsLeastRecent(t *testing.T) {
	inner := &countingValidator{}
	v := NewCachingValidator(validatorFunc(func(ctx context.Context, token string) error {
		inner.calls++
		return nil
	}), time.Hour, WithTokenCacheSize(2))
	ctx := context.Background()

	for _, token := range []string{"a", "b", "a", "c"} {
		if err := v.ValidateToken(ctx, token); err != nil {
			t.Fatalf("ValidateToken(%q) error = %v", token, err)
		}
	}
	if v.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", v.Len())
	}
	calls := inner.calls
	_ = v.ValidateToken(ctx, "a")
	if inner.calls != calls {
		t.Fatal("recently used token was evicted")
	}
	_ = v.ValidateToken(ctx, "b")
	if inner.calls != calls+1 {
		t.Fatal("least recently used token was kept")
	}
}

func TestCachingValidator_ZeroTTLPassesThrough(t *testing.T) {
	inner := &countingValidator{valid: "s3cret"}
	v := NewCachingValidator(inner, 0)
	for range 2 {
		_ = v.ValidateToken(context.Background(), "s3cret")
	}
	if inner.calls != 2 || v.Len() != 0 {
		t.Fatalf("inner calls = %d, Len() = %d; want 2, 0", inner.calls, v.Len())
	}
}

type validatorFunc func(ctx context.Context, token string) error

func (f validatorFunc) ValidateToken(ctx context.Context, token string) error { return f(ctx, token) }
