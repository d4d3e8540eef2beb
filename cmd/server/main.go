package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/reviewpulse/internal/adapter/eventpublisher"
	"github.com/pscheid92/reviewpulse/internal/adapter/httpserver"
	"github.com/pscheid92/reviewpulse/internal/adapter/memory"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/adapter/postgres"
	"github.com/pscheid92/reviewpulse/internal/adapter/redis"
	"github.com/pscheid92/reviewpulse/internal/app"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/gateway"
	"github.com/pscheid92/reviewpulse/internal/platform/config"
	"github.com/pscheid92/reviewpulse/internal/platform/logging"
	"github.com/pscheid92/reviewpulse/internal/platform/retry"
	"github.com/pscheid92/reviewpulse/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

// startupPolicy covers dependencies that come up alongside us (compose, k8s sidecars).
var startupPolicy = retry.Policy{
	MaxAttempts: 5,
	Backoff:     retry.Backoff{Initial: time.Second, Max: 10 * time.Second, Jitter: 0.2},
	OnRetry: func(attempt int, err error, wait time.Duration) {
		slog.Warn("Dependency not ready, retrying", "attempt", attempt, "wait", wait, "error", err)
	},
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, registry *prometheus.Registry) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	tracer := postgres.NewMetricsTracer(metrics.NewDBMetrics(registry))
	pool, err := retry.Do(ctx, startupPolicy, retry.Transient, func(ctx context.Context) (*pgxpool.Pool, error) {
		return postgres.Connect(ctx, cfg.DatabaseURL, tracer)
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRepository(cfg *config.Config, registry *prometheus.Registry, clock clockwork.Clock) (domain.ReviewRepository, *pgxpool.Pool) {
	if cfg.DatabaseURL != "" {
		pool := setupDB(cfg, registry)
		return postgres.NewReviewRepo(pool), pool
	}

	repo := memory.NewReviewRepo(clock)
	users, err := memory.SeedDemo(context.Background(), repo)
	if err != nil {
		slog.Error("Failed to seed demo data", "error", err)
		os.Exit(1)
	}
	slog.Warn("DATABASE_URL not set, using in-memory reviews", "demo_users", len(users))
	for _, u := range users {
		slog.Info("Demo user", "user_id", u.ID, "username", u.Username)
	}
	return repo, nil
}

func setupRedis(cfg *config.Config, redisMetrics *metrics.RedisMetrics, breaker *redis.Breaker) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := retry.Do(ctx, startupPolicy, retry.Transient, func(ctx context.Context) (*goredis.Client, error) {
		return redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(redisMetrics), breaker)
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// relayPolicy resubscribes forever; a subscription that held for a minute counts as
// recovered and the next loss starts again at the shortest delay.
var relayPolicy = retry.Policy{
	Backoff:    retry.Backoff{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.2},
	ResetAfter: time.Minute,
	OnRetry: func(attempt int, err error, wait time.Duration) {
		slog.Error("Relay subscription lost, resubscribing", "attempt", attempt, "wait", wait, "error", err)
	},
}

// runRelay keeps the relay subscribed until ctx ends.
func runRelay(ctx context.Context, relay *redis.Relay) {
	err := retry.DoVoid(ctx, relayPolicy, retry.Transient, func(ctx context.Context) error {
		if err := relay.Run(ctx); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("Relay stopped", "error", err)
	}
}

func healthChecks(pool *pgxpool.Pool, rdb *goredis.Client) []httpserver.HealthCheck {
	var checks []httpserver.HealthCheck
	if pool != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "database", Check: pool.Ping})
	}
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

func liveOptions(cfg *config.Config, registry *prometheus.Registry, clock clockwork.Clock) gateway.Options {
	return gateway.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		Production:     cfg.IsProduction(),
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		Metrics:        metrics.NewGatewayMetrics(registry),
		Clock:          clock,
		Limits: gateway.NewConnectionLimits(
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRatePerIP,
			cfg.ConnectionBurstPerIP,
			clock,
		),
	}
}

func runGracefulShutdown(srv *httpserver.Server, stopRelay context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		stopRelay()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger("server", cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Version)

	registry := metrics.NewRegistry()

	reviews, pool := setupRepository(cfg, registry, clock)
	if pool != nil {
		defer pool.Close()
	}

	// The gateway is created when the server mounts it; publishers hold the handle.
	var handle gateway.Handle

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	var (
		rdb   *goredis.Client
		relay eventpublisher.Relay
	)
	if cfg.RedisURL != "" {
		redisMetrics := metrics.NewRedisMetrics(registry)
		breaker := redis.NewBreaker(redisMetrics, 30*time.Second)
		rdb = setupRedis(cfg, redisMetrics, breaker)
		defer func() { _ = rdb.Close() }()

		r := redis.NewRelay(rdb, &handle, redisMetrics, redis.WithBreaker(breaker))
		go runRelay(relayCtx, r)
		relay = r
	}

	publisher := eventpublisher.New(&handle, relay, metrics.NewEventMetrics(registry))
	service := app.NewService(reviews, publisher)

	srv, err := httpserver.NewServer(cfg, service, &handle, liveOptions(cfg, registry, clock), registry, healthChecks(pool, rdb))
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	done := runGracefulShutdown(srv, stopRelay)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
