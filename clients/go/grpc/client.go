// Package grpc provides a gRPC health client for the splitd treatment
// sidecar.
package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	splitd "github.com/matt-riley/splitsdk/clients/go"
)

// DefaultService is the health service name splitd reports.
const DefaultService = "splitd"

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the sidecar gRPC server, e.g. "localhost:9090".
	Address string
	// Service is the health service to query; defaults to DefaultService.
	Service string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements splitd.ReadinessChecker over the standard gRPC health
// protocol.
type Client struct {
	cfg  Config
	stub healthpb.HealthClient
	conn *grpc.ClientConn
}

var _ splitd.ReadinessChecker = (*Client)(nil)

// NewGRPCClient dials the sidecar gRPC server and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("splitd: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, stub: healthpb.NewHealthClient(conn), conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ready reports whether the sidecar's health service is SERVING.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	resp, err := c.stub.Check(ctx, &healthpb.HealthCheckRequest{Service: c.cfg.Service})
	if err != nil {
		return false, fmt.Errorf("splitd: health check: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Watch streams readiness changes. The first value is the current status.
// The channel is closed when ctx is cancelled or the stream ends.
func (c *Client) Watch(ctx context.Context) (<-chan bool, error) {
	stream, err := c.stub.Watch(ctx, &healthpb.HealthCheckRequest{Service: c.cfg.Service})
	if err != nil {
		return nil, fmt.Errorf("splitd: health watch: %w", err)
	}

	ch := make(chan bool, 4)
	go func() {
		defer close(ch)
		for {
			resp, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case ch <- resp.GetStatus() == healthpb.HealthCheckResponse_SERVING:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
