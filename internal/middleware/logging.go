package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request ID in and out of the sidecar. gRPC
// callers use the lower-case form as metadata.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

type requestLogKey struct{}

// requestLog is the per-request logging state. Handlers add attributes
// with Annotate; the middleware writes them on the completion line.
type requestLog struct {
	id     string
	logger *slog.Logger

	mu    sync.Mutex
	attrs []slog.Attr
}

func newRequestContext(ctx context.Context, logger *slog.Logger, id string) (context.Context, *requestLog) {
	rl := &requestLog{id: id, logger: logger.With(slog.String("request_id", id))}
	return context.WithValue(ctx, requestLogKey{}, rl), rl
}

func (rl *requestLog) completionAttrs(attrs ...slog.Attr) []slog.Attr {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append(attrs, rl.attrs...)
}

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		return rl.id, true
	}
	return "", false
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		return rl.logger
	}
	return slog.Default()
}

// Annotate adds attributes to the request's completion log line, e.g. the
// split a treatment request evaluated. It is a no-op outside a logged
// request.
func Annotate(ctx context.Context, attrs ...slog.Attr) {
	rl, ok := ctx.Value(requestLogKey{}).(*requestLog)
	if !ok {
		return
	}
	rl.mu.Lock()
	rl.attrs = append(rl.attrs, attrs...)
	rl.mu.Unlock()
}

// requestID reuses a caller-supplied ID so a request can be followed across
// services, and mints one when the incoming value is missing, too long or
// carries characters that do not belong in a log line.
func requestID(incoming string) string {
	if incoming == "" || len(incoming) > maxRequestIDLength {
		return uuid.NewString()
	}
	for _, r := range incoming {
		if !isRequestIDRune(r) {
			return uuid.NewString()
		}
	}
	return incoming
}

func isRequestIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_.:/", r)
}

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// httpLogLevel logs server errors at error, client errors at warn and
// everything else at info, except quiet paths which stay at debug.
func httpLogLevel(status int, quiet bool) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case quiet:
		return slog.LevelDebug
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// HTTPRequestLogging returns middleware that logs each completed HTTP
// request with its request ID, method, path, status code, size and
// duration, plus anything handlers added with Annotate. Probe endpoints
// listed in quiet are logged at debug level unless they fail.
func HTTPRequestLogging(logger *slog.Logger, quiet ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	quietPaths := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestID(r.Header.Get(RequestIDHeader))
			w.Header().Set(RequestIDHeader, id)
			ctx, rl := newRequestContext(r.Context(), logger, id)

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			_, isQuiet := quietPaths[r.URL.Path]
			rl.logger.LogAttrs(ctx, httpLogLevel(rec.code(), isQuiet), "request completed",
				rl.completionAttrs(
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Int("status_code", rec.code()),
					slog.Int("bytes", rec.bytes),
					slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/1e6),
				)...,
			)
		})
	}
}

// UnaryRequestLoggingInterceptor returns a gRPC unary server interceptor
// that logs each call with its request ID, method, status code and
// duration. Successful calls log at debug since health probes dominate.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	metadataKey := strings.ToLower(RequestIDHeader)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var incoming string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(metadataKey); len(values) > 0 {
				incoming = values[0]
			}
		}
		id := requestID(incoming)
		_ = grpc.SetHeader(ctx, metadata.Pairs(metadataKey, id))
		ctx, rl := newRequestContext(ctx, logger, id)

		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		level := slog.LevelDebug
		if code != codes.OK {
			level = slog.LevelWarn
		}
		rl.logger.LogAttrs(ctx, level, "rpc completed",
			rl.completionAttrs(
				slog.String("method", info.FullMethod),
				slog.String("status_code", code.String()),
				slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/1e6),
			)...,
		)
		return resp, err
	}
}
