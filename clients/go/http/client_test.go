package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	splitd "github.com/matt-riley/splitsdk/clients/go"
	splitdhttp "github.com/matt-riley/splitsdk/clients/go/http"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *splitdhttp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return splitdhttp.NewHTTPClient(splitdhttp.Config{
		BaseURL: srv.URL + "/",
		Token:   "test-token",
	})
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer test-token" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer test-token")
	}
}

// -- Evaluator tests ---------------------------------------------------------

func TestTreatment(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/v1/treatment" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("key") != "alice" || q.Get("bucketing_key") != "acct-1" || q.Get("split") != "checkout" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		var attrs map[string]any
		if err := json.Unmarshal([]byte(q.Get("attributes")), &attrs); err != nil || attrs["plan"] != "pro" {
			t.Errorf("attributes = %q", q.Get("attributes"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"split":"checkout","treatment":"on","config":"{\"color\":\"green\"}"}`)
	})

	got, err := c.Treatment(context.Background(),
		splitd.Key{MatchingKey: "alice", BucketingKey: "acct-1"}, "checkout",
		map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Treatment != "on" || got.Config == nil || *got.Config != `{"color":"green"}` {
		t.Errorf("unexpected treatment: %+v", got)
	}
}

func TestTreatmentErrorReturnsControl(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"sdk destroyed"}`)
	})

	got, err := c.Treatment(context.Background(), splitd.Key{MatchingKey: "alice"}, "checkout", nil)
	var apiErr *splitdhttp.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "sdk destroyed" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if got.Treatment != splitd.Control || got.Split != "checkout" {
		t.Errorf("unexpected treatment: %+v", got)
	}
}

func TestTreatments(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/treatments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Key    string   `json:"key"`
			Splits []string `json:"splits"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Key != "bob" || len(body.Splits) != 2 {
			t.Errorf("unexpected body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"treatments":{"checkout":{"treatment":"off"},"banner":{"treatment":"v2","config":"{}"}}}`)
	})

	got, err := c.Treatments(context.Background(), splitd.Key{MatchingKey: "bob"}, []string{"checkout", "banner"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["checkout"].Treatment != "off" || got["checkout"].Config != nil {
		t.Errorf("checkout = %+v", got["checkout"])
	}
	if got["banner"].Treatment != "v2" || got["banner"].Config == nil {
		t.Errorf("banner = %+v", got["banner"])
	}
}

func TestTreatmentsErrorReturnsControl(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	got, err := c.Treatments(context.Background(), splitd.Key{MatchingKey: "bob"}, []string{"a", "b"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, split := range []string{"a", "b"} {
		if got[split].Treatment != splitd.Control {
			t.Errorf("%s = %+v, want control", split, got[split])
		}
	}
}

// -- Tracker tests -----------------------------------------------------------

func TestTrack(t *testing.T) {
	value := 9.5
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/track" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["event_type"] != "checkout.completed" || body["value"] != 9.5 || body["traffic_type"] != "user" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"queued":true}`)
	})

	err := c.Track(context.Background(), splitd.Event{
		Key: "alice", TrafficType: "user", EventType: "checkout.completed", Value: &value,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTrackRejected(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"event rejected"}`)
	})

	err := c.Track(context.Background(), splitd.Event{Key: "alice", EventType: "bad event"})
	var apiErr *splitdhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 *APIError, got %v", err)
	}
}

// -- ReadinessChecker tests --------------------------------------------------

func TestReady(t *testing.T) {
	var ready atomic.Bool
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readyz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"not ready"}`)
			return
		}
		fmt.Fprint(w, `{"status":"ready"}`)
	})

	got, err := c.Ready(context.Background())
	if err != nil || got {
		t.Fatalf("Ready() = %v, %v; want false, nil", got, err)
	}

	ready.Store(true)
	got, err = c.Ready(context.Background())
	if err != nil || !got {
		t.Fatalf("Ready() = %v, %v; want true, nil", got, err)
	}
}

func TestReadyServerError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := c.Ready(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
