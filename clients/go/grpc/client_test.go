package grpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	splitdgrpc "github.com/matt-riley/splitsdk/clients/go/grpc"
)

func newTestClient(t *testing.T, service string) (*splitdgrpc.Client, *health.Server) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(splitdgrpc.DefaultService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := splitdgrpc.NewGRPCClient(splitdgrpc.Config{
		Address: "passthrough:///bufnet",
		Service: service,
		DialOpts: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		t.Fatalf("NewGRPCClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, hs
}

func TestReady(t *testing.T) {
	c, hs := newTestClient(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready, err := c.Ready(ctx)
	if err != nil || ready {
		t.Fatalf("Ready() = %v, %v; want false, nil", ready, err)
	}

	hs.SetServingStatus(splitdgrpc.DefaultService, healthpb.HealthCheckResponse_SERVING)
	ready, err = c.Ready(ctx)
	if err != nil || !ready {
		t.Fatalf("Ready() = %v, %v; want true, nil", ready, err)
	}
}

func TestReadyUnknownService(t *testing.T) {
	c, _ := newTestClient(t, "other")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Ready(ctx); err == nil {
		t.Fatal("Ready() error = nil, want NotFound")
	}
}

func TestWatch(t *testing.T) {
	c, hs := newTestClient(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	select {
	case ready := <-ch:
		if ready {
			t.Fatal("initial status = serving, want not serving")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial status")
	}

	hs.SetServingStatus(splitdgrpc.DefaultService, healthpb.HealthCheckResponse_SERVING)
	select {
	case ready := <-ch:
		if !ready {
			t.Fatal("status after MarkServing = not serving, want serving")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for serving status")
	}

	cancel()
	for range ch {
	}
}
