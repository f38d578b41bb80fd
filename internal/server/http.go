package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/middleware"
	"github.com/matt-riley/splitsdk/sdk"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	defaultClientReadyWait  = 2 * time.Second
	maxSplitsPerRequest     = 500
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves treatments and tracking for arbitrary keys over JSON.
type HTTPServer struct {
	clients         *ClientPool
	maxClients      int
	pinnedKeys      []sdk.Key
	ready           ReadinessFunc
	metrics         *metrics.Metrics
	maxJSONBodySize int64
	clientReadyWait time.Duration
}

// HTTPOption configures optional [HTTPServer] settings.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize sets the maximum allowed JSON request body size in
// bytes. Values <= 0 are ignored and the default (1 MiB) is used.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithHTTPMetrics instruments the handler and serves /metrics.
func WithHTTPMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// WithReadiness sets the check behind /readyz.
func WithReadiness(ready ReadinessFunc) HTTPOption {
	return func(s *HTTPServer) {
		s.ready = ready
	}
}

// WithClientReadyWait bounds how long a request for a key seen for the
// first time waits for that key's segments.
func WithClientReadyWait(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		s.clientReadyWait = d
	}
}

// WithMaxClients caps the per-key clients kept for request keys.
// Values <= 0 select DefaultMaxClients.
func WithMaxClients(n int) HTTPOption {
	return func(s *HTTPServer) {
		s.maxClients = n
	}
}

// WithPinnedClientKeys exempts keys from client eviction.
func WithPinnedClientKeys(keys ...sdk.Key) HTTPOption {
	return func(s *HTTPServer) {
		s.pinnedKeys = append(s.pinnedKeys, keys...)
	}
}

type treatmentResponse struct {
	Split     string  `json:"split"`
	Treatment string  `json:"treatment"`
	Config    *string `json:"config,omitempty"`
}

type treatmentsRequest struct {
	Key          string         `json:"key"`
	BucketingKey string         `json:"bucketing_key,omitempty"`
	Splits       []string       `json:"splits"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

type treatmentsResponse struct {
	Treatments map[string]sdk.TreatmentResult `json:"treatments"`
}

type trackRequest struct {
	Key         string   `json:"key"`
	TrafficType string   `json:"traffic_type,omitempty"`
	EventType   string   `json:"event_type"`
	Value       *float64 `json:"value,omitempty"`
}

// NewHTTPHandler builds the sidecar's HTTP API. Authentication and request
// logging are layered on by the caller.
func NewHTTPHandler(clients ClientProvider, opts ...HTTPOption) http.Handler {
	if clients == nil {
		panic("client provider is nil")
	}

	server := &HTTPServer{
		ready:           func() bool { return true },
		maxJSONBodySize: defaultMaxJSONBodyBytes,
		clientReadyWait: defaultClientReadyWait,
	}
	for _, opt := range opts {
		opt(server)
	}
	server.clients = NewClientPool(clients, server.maxClients,
		WithPinnedKeys(server.pinnedKeys...),
		WithPoolMetrics(server.metrics),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/treatment", server.handleTreatment)
	mux.HandleFunc("POST /v1/treatments", server.handleTreatments)
	mux.HandleFunc("POST /v1/track", server.handleTrack)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /readyz", server.handleReadyz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.metrics.HTTPMiddleware(mux)
}

func (s *HTTPServer) handleTreatment(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	split := strings.TrimSpace(query.Get("split"))
	if split == "" {
		writeJSONError(w, http.StatusBadRequest, "split is required")
		return
	}
	attributes, err := parseAttributes(query.Get("attributes"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "attributes must be a JSON object")
		return
	}

	client, release, ok := s.client(r.Context(), w, query.Get("key"), query.Get("bucketing_key"))
	if !ok {
		return
	}
	defer release()

	result := client.TreatmentWithConfig(split, attributes)
	middleware.Annotate(r.Context(), slog.String("split", split), slog.String("treatment", result.Treatment))
	writeJSON(w, http.StatusOK, treatmentResponse{
		Split:     split,
		Treatment: result.Treatment,
		Config:    result.Config,
	})
}

func (s *HTTPServer) handleTreatments(w http.ResponseWriter, r *http.Request) {
	var request treatmentsRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Splits) == 0 {
		writeJSONError(w, http.StatusBadRequest, "splits is required")
		return
	}
	if len(request.Splits) > maxSplitsPerRequest {
		writeJSONError(w, http.StatusBadRequest, "too many splits")
		return
	}

	client, release, ok := s.client(r.Context(), w, request.Key, request.BucketingKey)
	if !ok {
		return
	}
	defer release()

	middleware.Annotate(r.Context(), slog.Int("split_count", len(request.Splits)))
	writeJSON(w, http.StatusOK, treatmentsResponse{
		Treatments: client.TreatmentsWithConfig(request.Splits, request.Attributes),
	})
}

func (s *HTTPServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	var request trackRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	client, release, ok := s.client(r.Context(), w, request.Key, "")
	if !ok {
		return
	}
	defer release()

	middleware.Annotate(r.Context(), slog.String("event_type", request.EventType))
	if !client.Track(request.TrafficType, request.EventType, request.Value) {
		writeJSONError(w, http.StatusBadRequest, "event rejected")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// client leases the SDK client for a request key and writes an error
// response when it cannot. The caller releases the lease when done.
func (s *HTTPServer) client(ctx context.Context, w http.ResponseWriter, matchingKey, bucketingKey string) (*sdk.Client, func(), bool) {
	if strings.TrimSpace(matchingKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return nil, nil, false
	}

	client, release, err := s.clients.Acquire(sdk.Key{MatchingKey: matchingKey, BucketingKey: bucketingKey})
	if err != nil {
		middleware.LoggerFromContext(ctx).Error("failed to get client", "error", err)
		if errors.Is(err, sdk.ErrDestroyed) {
			writeJSONError(w, http.StatusServiceUnavailable, "shutting down")
			return nil, nil, false
		}
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, nil, false
	}

	if !client.Ready() && s.clientReadyWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, s.clientReadyWait)
		defer cancel()
		if err := client.BlockUntilReady(waitCtx); err != nil {
			middleware.LoggerFromContext(ctx).Debug("serving before client is ready", "error", err)
		}
	}
	return client, release, true
}

func parseAttributes(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var attributes map[string]any
	if err := json.Unmarshal([]byte(raw), &attributes); err != nil {
		return nil, err
	}
	if attributes == nil {
		return nil, errors.New("attributes must be an object")
	}
	return attributes, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
