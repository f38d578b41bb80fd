package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// hashed once; bcrypt at default cost is slow enough to matter per test.
var testHash = func() string {
	hash, err := HashToken("s3cret")
	if err != nil {
		panic(err)
	}
	return hash
}()

func newAuthHandler(t *testing.T, opts ...AuthOption) http.Handler {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return HTTPBearerAuthMiddleware(NewHashValidator(testHash), opts...)(ok)
}

func serve(h http.Handler, authorization, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/v1/treatment", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	h := newAuthHandler(t)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer s3cret", http.StatusNoContent},
		{"case-insensitive scheme", "bearer s3cret", http.StatusNoContent},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"extra fields", "Bearer s3cret extra", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serve(h, tt.header, ""); got != tt.want {
				t.Fatalf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHTTPBearerAuthMiddleware_UnauthorizedSetsChallenge(t *testing.T) {
	h := newAuthHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Fatalf("WWW-Authenticate = %q, want Bearer", got)
	}
}

func TestHTTPBearerAuthMiddleware_OnFailure(t *testing.T) {
	var failures atomic.Int32
	h := newAuthHandler(t, WithOnAuthFailure(func() { failures.Add(1) }))

	serve(h, "Bearer nope", "")
	serve(h, "Bearer s3cret", "")
	if got := failures.Load(); got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
}

func TestHTTPBearerAuthMiddleware_RateLimitsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(ctx, 2, WithRateLimiterClock(clock))
	defer rl.Stop()

	h := newAuthHandler(t, WithRateLimiter(rl))
	const addr = "10.0.0.1:4000"

	for i := range 2 {
		if got := serve(h, "Bearer nope", addr); got != http.StatusUnauthorized {
			t.Fatalf("failure %d status = %d, want 401", i, got)
		}
	}
	if got := serve(h, "Bearer nope", addr); got != http.StatusTooManyRequests {
		t.Fatalf("third failure status = %d, want 429", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/treatment", nil)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q, want %q", got, "30")
	}
	if got := serve(h, "Bearer s3cret", addr); got != http.StatusTooManyRequests {
		t.Fatalf("valid token from throttled IP status = %d, want 429", got)
	}
	if got := serve(h, "Bearer s3cret", "10.0.0.2:4000"); got != http.StatusNoContent {
		t.Fatalf("other IP status = %d, want 204", got)
	}

	clock.Advance(time.Minute)
	if got := serve(h, "Bearer s3cret", addr); got != http.StatusNoContent {
		t.Fatalf("status after refill = %d, want 204", got)
	}
}

func TestHTTPBearerAuthMiddleware_NilValidator(t *testing.T) {
	h := HTTPBearerAuthMiddleware(nil)(http.NotFoundHandler())
	if got := serve(h, "Bearer s3cret", ""); got != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got)
	}
}

func TestHashValidator(t *testing.T) {
	v := NewHashValidator(testHash)
	if err := v.ValidateToken(context.Background(), "s3cret"); err != nil {
		t.Fatalf("ValidateToken(match) error = %v", err)
	}
	if err := v.ValidateToken(context.Background(), "other"); err == nil {
		t.Fatal("ValidateToken(mismatch) error = nil")
	}
	if err := NewHashValidator("not-a-hash").ValidateToken(context.Background(), "s3cret"); err == nil {
		t.Fatal("ValidateToken with malformed hash error = nil")
	}
	if err := NewHashValidator().ValidateToken(context.Background(), "s3cret"); err == nil {
		t.Fatal("ValidateToken without hashes error = nil")
	}
}

func TestHashValidator_Rotation(t *testing.T) {
	next, err := HashToken("n3xt")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	v := NewHashValidator(testHash, "", next)
	for _, token := range []string{"s3cret", "n3xt"} {
		if err := v.ValidateToken(context.Background(), token); err != nil {
			t.Errorf("ValidateToken(%q) error = %v", token, err)
		}
	}
	if err := v.ValidateToken(context.Background(), "old"); err == nil {
		t.Error("ValidateToken(old) error = nil")
	}
}
