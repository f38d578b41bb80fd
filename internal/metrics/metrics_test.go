package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.RecordFetch("splits", FetchChanged)
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestNilMetricsHelpersAreNoops(t *testing.T) {
	var m *Metrics

	m.RecordFetch("splits", FetchError)
	m.SetCacheSize("splits", 3)
	m.SetQueueLength("events", 1)
	m.AddDropped("events", DropOverflow, 1)
	m.RecordBatch("events", 10, nil)
	m.RecordEvaluation(true)
	m.RecordValidation("track", true)
	m.RecordReadinessEvent("SDK_READY")
	m.ObserveLatency("getTreatment", time.Millisecond)
	m.IncAuthFailures()

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	if got := m.HTTPMiddleware(next); got == nil {
		t.Fatal("HTTPMiddleware() on nil metrics returned nil handler")
	}
}

func TestRecordFetch(t *testing.T) {
	m := New()

	m.RecordFetch("splits", FetchChanged)
	m.RecordFetch("splits", FetchError)
	m.RecordFetch("splits", FetchError)

	if v := testutil.ToFloat64(m.FetchesTotal.WithLabelValues("splits", FetchError)); v != 2 {
		t.Fatalf("expected error count 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.FetchesTotal.WithLabelValues("splits", FetchChanged)); v != 1 {
		t.Fatalf("expected changed count 1, got %v", v)
	}
}

func TestRecordBatch(t *testing.T) {
	m := New()

	m.RecordBatch("impressions", 5, nil)
	m.RecordBatch("impressions", 3, errors.New("boom"))

	if v := testutil.ToFloat64(m.BatchesSentTotal.WithLabelValues("impressions", "ok")); v != 1 {
		t.Fatalf("expected ok batches 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.BatchesSentTotal.WithLabelValues("impressions", "error")); v != 1 {
		t.Fatalf("expected error batches 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.ItemsSentTotal.WithLabelValues("impressions")); v != 5 {
		t.Fatalf("expected items sent 5, got %v", v)
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation(false)
	m.RecordEvaluation(false)
	m.RecordEvaluation(true)

	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("treatment")); v != 2 {
		t.Fatalf("expected treatment count 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("control")); v != 1 {
		t.Fatalf("expected control count 1, got %v", v)
	}
}

func TestGauges(t *testing.T) {
	m := New()

	m.SetCacheSize("splits", 5)
	m.SetQueueLength("events", 7)

	if v := testutil.ToFloat64(m.CacheSize.WithLabelValues("splits")); v != 5 {
		t.Fatalf("expected cache size 5, got %v", v)
	}
	if v := testutil.ToFloat64(m.QueueLength.WithLabelValues("events")); v != 7 {
		t.Fatalf("expected queue length 7, got %v", v)
	}
}

func TestRecordValidation(t *testing.T) {
	m := New()

	m.RecordValidation("track", true)
	m.RecordValidation("track", false)

	if v := testutil.ToFloat64(m.ValidationTotal.WithLabelValues("track", "error")); v != 1 {
		t.Fatalf("expected error findings 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.ValidationTotal.WithLabelValues("track", "warning")); v != 1 {
		t.Fatalf("expected warning findings 1, got %v", v)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/treatment", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	m.HTTPMiddleware(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/treatment", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /v1/treatment", "418")); v != 1 {
		t.Fatalf("expected 1 recorded request, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.AddDropped("events", DropOverflow, 3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "splitsdk_queue_dropped_total") {
		t.Fatal("expected response to contain splitsdk_queue_dropped_total")
	}
}
