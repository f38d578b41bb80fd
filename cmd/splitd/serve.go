package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/splitsdk/internal/config"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/middleware"
	"github.com/matt-riley/splitsdk/internal/server"
	"github.com/matt-riley/splitsdk/internal/tracing"
	"github.com/matt-riley/splitsdk/sdk"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute

	// readinessKey owns the client whose SDKReady flips the health status.
	readinessKey = "splitd"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP treatment API and gRPC health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := cfg.Logger()
	slog.SetDefault(log)

	traceCfg, err := tracing.ConfigFromEnv(version)
	if err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}
	shutdownTracer, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	m := metrics.New()

	store, closeStore, err := openSnapshotStore(ctx, cfg, m)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer closeStore()

	opts, err := sourceOptions(cfg, log)
	if err != nil {
		return err
	}
	opts = append(opts, sdk.WithLogger(log), sdk.WithMetrics(m))
	if store != nil {
		opts = append(opts, sdk.WithSnapshotStore(store))
	}

	// The factory outlives the signal so in-flight requests still evaluate
	// while the servers drain.
	factory, err := sdk.NewFactory(context.WithoutCancel(ctx), cfg.SDKConfig(), opts...)
	if err != nil {
		return fmt.Errorf("create factory: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		factory.Destroy(ctx)
	}()

	grpcServer, health := server.NewGRPCServer(m, log)

	var ready atomic.Bool
	if _, err := factory.Client(sdk.Key{MatchingKey: readinessKey},
		sdk.WithEventHandler(sdk.SDKReady, func() {
			ready.Store(true)
			health.MarkServing()
		}),
		sdk.WithEventHandler(sdk.SDKReadyTimedOut, func() {
			log.Warn("SDK not ready before timeout, still serving control until definitions arrive", "timeout", cfg.ReadyTimeout)
		}),
	); err != nil {
		return fmt.Errorf("create readiness client: %w", err)
	}

	var validator middleware.TokenValidator
	authOpts := []middleware.AuthOption{middleware.WithOnAuthFailure(m.IncAuthFailures)}
	if cfg.TokenHash != "" {
		validator = middleware.NewCachingValidator(middleware.NewHashValidator(cfg.TokenHashes()...), cfg.TokenCacheTTL)
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer limiter.Stop()
		authOpts = append(authOpts, middleware.WithRateLimiter(limiter))
	} else {
		log.Warn("SPLITD_TOKEN_HASH is not set, the /v1 API is unauthenticated")
	}

	apiHandler := server.NewHTTPHandler(factory,
		server.WithHTTPMetrics(m),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithReadiness(ready.Load),
		server.WithMaxClients(cfg.MaxClients),
		server.WithPinnedClientKeys(sdk.Key{MatchingKey: readinessKey}),
	)
	httpHandler := middleware.HTTPRequestLogging(log, "/healthz", "/readyz", "/metrics")(
		newHTTPHandler(apiHandler, validator, authOpts...),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "splitd-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = fmt.Errorf("shutdown HTTP: %w", err)
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return shutdownErr
	})

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"instance_id", factory.InstanceID(),
		"localhost", cfg.Localhost(),
		"api_key", cfg.APIKey,
		"snapshot_backend", cfg.SnapshotBackend,
	)
	return g.Wait()
}
