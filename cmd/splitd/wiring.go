package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/splitsdk/internal/api"
	"github.com/matt-riley/splitsdk/internal/config"
	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/localhost"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/middleware"
	"github.com/matt-riley/splitsdk/internal/storage"
	"github.com/matt-riley/splitsdk/internal/storage/postgres"
	"github.com/matt-riley/splitsdk/internal/storage/redis"
	"github.com/matt-riley/splitsdk/internal/storage/sqlite"
	"github.com/matt-riley/splitsdk/sdk"
)

// sourceOptions selects where definitions come from and where telemetry
// goes: the control service, or a localhost file with no-op transports.
func sourceOptions(cfg config.Config, logger *slog.Logger) ([]sdk.Option, error) {
	if cfg.Localhost() {
		source, err := localhost.NewSource(cfg.LocalhostFile, localhost.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open localhost file: %w", err)
		}
		logger.Info("localhost mode", "file", cfg.LocalhostFile)
		return []sdk.Option{
			sdk.WithSplitSource(source),
			sdk.WithSegmentSource(localhost.Segments{}),
			sdk.WithImpressionTransport(localhost.DiscardTransport[core.Impression](logger, "impressions")),
			sdk.WithEventTransport(localhost.DiscardTransport[core.EventRecord](logger, "events")),
		}, nil
	}

	client := api.NewClient(cfg.APIConfig(), api.WithLogger(logger))
	return []sdk.Option{
		sdk.WithSplitSource(client.Splits()),
		sdk.WithSegmentSource(client),
		sdk.WithImpressionTransport(client.ImpressionTransport()),
		sdk.WithEventTransport(client.EventTransport()),
	}, nil
}

// openSnapshotStore opens the configured backend. The returned close
// function is never nil.
func openSnapshotStore(ctx context.Context, cfg config.Config, m *metrics.Metrics) (storage.SnapshotStore, func(), error) {
	noop := func() {}

	switch cfg.SnapshotBackend {
	case config.BackendNone:
		return nil, noop, nil
	case config.BackendMemory:
		return storage.NewMemoryStore(), noop, nil
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.SnapshotDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		if err := postgres.Migrate(pool); err != nil {
			pool.Close()
			return nil, noop, err
		}
		if m != nil {
			if err := metrics.RegisterPoolMetrics(m.Registry, config.BackendPostgres, metrics.PgxPoolStats(pool)); err != nil {
				pool.Close()
				return nil, noop, fmt.Errorf("register pool metrics: %w", err)
			}
		}
		return postgres.New(pool), pool.Close, nil
	case config.BackendRedis:
		store, err := redis.Open(ctx, cfg.SnapshotDSN)
		if err != nil {
			return nil, noop, err
		}
		if m != nil {
			if err := metrics.RegisterPoolMetrics(m.Registry, config.BackendRedis, store.PoolStats); err != nil {
				_ = store.Close()
				return nil, noop, fmt.Errorf("register pool metrics: %w", err)
			}
		}
		return store, func() { _ = store.Close() }, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SnapshotDSN)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}

// newHTTPHandler puts the /v1/ API behind bearer auth when a validator is
// configured and leaves the probes and /metrics public.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := apiHandler
	if validator != nil {
		protectedAPIHandler = middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /readyz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
