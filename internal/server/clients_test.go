package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matt-riley/splitsdk/sdk"
)

func acquire(t *testing.T, pool *ClientPool, key string) (*sdk.Client, func()) {
	t.Helper()
	client, release, err := pool.Acquire(sdk.Key{MatchingKey: key})
	if err != nil {
		t.Fatalf("Acquire(%q) error = %v", key, err)
	}
	return client, release
}

func TestClientPoolEvictsLeastRecentIdleClient(t *testing.T) {
	sidecar := newTestSidecar(t)
	pool := NewClientPool(sidecar.factory, 2, WithPoolLogger(discardLogger()))

	alice, release := acquire(t, pool, "alice")
	release()
	bob, release := acquire(t, pool, "bob")
	release()
	again, release := acquire(t, pool, "alice")
	release()
	if again != alice {
		t.Fatal("Acquire(alice) returned a different client while pooled")
	}
	_, release = acquire(t, pool, "carol")
	release()

	if got := pool.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if !bob.Closed() {
		t.Error("least recently used client was not closed")
	}
	if alice.Closed() {
		t.Error("recently used client was closed")
	}

	fresh, release := acquire(t, pool, "bob")
	defer release()
	if fresh == bob || fresh.Closed() {
		t.Error("Acquire() after eviction should hand out a new client")
	}
	if got := fresh.Treatment("banner", nil); got != "v1" {
		t.Errorf("Treatment() on recreated client = %q, want v1", got)
	}
}

func TestClientPoolKeepsLeasedAndPinnedClients(t *testing.T) {
	sidecar := newTestSidecar(t)
	pinned := sdk.Key{MatchingKey: "splitd"}
	pool := NewClientPool(sidecar.factory, 1, WithPinnedKeys(pinned))

	readiness, release := acquire(t, pool, "splitd")
	release()
	busy, releaseBusy := acquire(t, pool, "busy")
	_, release = acquire(t, pool, "next")
	release()

	if readiness.Closed() || busy.Closed() {
		t.Fatal("pinned or leased client was closed")
	}
	if got := pool.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3 while nothing could be evicted", got)
	}

	releaseBusy()
	releaseBusy()
	_, release = acquire(t, pool, "later")
	release()
	if !busy.Closed() {
		t.Error("released client was not evicted")
	}
	if readiness.Closed() {
		t.Error("pinned client was evicted")
	}
	if got := pool.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 (pinned + most recent)", got)
	}
}

func TestHTTPHandlerBoundsPerKeyClients(t *testing.T) {
	sidecar := newTestSidecar(t)
	handler := NewHTTPHandler(sidecar.factory, WithMaxClients(2), WithClientReadyWait(0))

	clients := make([]*sdk.Client, 5)
	for i := range clients {
		client, err := sidecar.factory.Client(sdk.Key{MatchingKey: fmt.Sprintf("user-%d", i)})
		if err != nil {
			t.Fatalf("Client() error = %v", err)
		}
		clients[i] = client
	}

	for i := range clients {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/treatment?key=user-%d&split=banner", i), nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}

	closed := 0
	for _, client := range clients {
		if client.Closed() {
			closed++
		}
	}
	if closed != 3 {
		t.Fatalf("closed clients = %d, want 3 with a cap of 2", closed)
	}
	if clients[3].Closed() || clients[4].Closed() {
		t.Error("most recent clients should stay open")
	}
}
