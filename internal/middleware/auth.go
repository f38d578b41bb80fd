// Package middleware holds the HTTP and gRPC middleware for the splitd
// sidecar: bearer-token auth with per-IP throttling of failures, and
// request logging.
package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
	errNilValidator               = errors.New("token validator is nil")
)

// TokenValidator validates a bearer token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) error
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authenticator)

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(a *authenticator) { a.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(a *authenticator) { a.limiter = rl }
}

type authenticator struct {
	validator TokenValidator
	onFailure func()
	limiter   *RateLimiter
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers. An
// IP that is already over its failure budget is rejected before its token
// is checked, so a brute-force client cannot keep paying for bcrypt.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	a := &authenticator{validator: validator}
	for _, o := range opts {
		o(a)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if a.throttled(ip) {
				a.writeTooManyRequests(w, ip)
				return
			}
			if err := a.authorize(r.Context(), r.Header.Get("Authorization")); err != nil {
				LoggerFromContext(r.Context()).Debug("request rejected by auth", "ip", ip, "reason", err)
				if !a.fail(ip) {
					a.writeTooManyRequests(w, ip)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *authenticator) throttled(ip string) bool {
	return a.limiter != nil && !a.limiter.Allow(ip)
}

// fail records a failed attempt and reports whether ip is still within its
// budget.
func (a *authenticator) fail(ip string) bool {
	if a.onFailure != nil {
		a.onFailure()
	}
	return a.limiter == nil || a.limiter.RecordFailureAndAllow(ip)
}

func (a *authenticator) authorize(ctx context.Context, header string) error {
	if a.validator == nil {
		return errNilValidator
	}
	if strings.TrimSpace(header) == "" {
		return errMissingAuthorizationHeader
	}
	token, err := parseBearerToken(header)
	if err != nil {
		return err
	}
	return a.validator.ValidateToken(ctx, token)
}

func (a *authenticator) writeTooManyRequests(w http.ResponseWriter, ip string) {
	if a.limiter != nil {
		if wait := a.limiter.RetryAfter(ip); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
	}
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// parseBearerToken extracts the credentials from "Bearer <token>". The
// scheme is case-insensitive and the token must be a single word.
func parseBearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", errInvalidAuthorizationHeader
	}
	return token, nil
}
