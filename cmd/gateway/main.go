// Command gateway runs the itroad edge gateway: it authenticates callers,
// rate-limits them, and proxies requests to the downstream services.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"itroad-gateway/internal/discovery"
	"itroad-gateway/internal/health"
	"itroad-gateway/internal/identity"
	"itroad-gateway/internal/jwttoken"
	"itroad-gateway/internal/platform/config"
	"itroad-gateway/internal/platform/httpserver"
	"itroad-gateway/internal/platform/logger"
	"itroad-gateway/internal/platform/metrics"
	"itroad-gateway/internal/platform/redis"
	"itroad-gateway/internal/proxy"
	"itroad-gateway/internal/ratelimit"
	"itroad-gateway/internal/registry"
	"itroad-gateway/internal/transport/http"
	"itroad-gateway/pkg/platform/audit/publisher"
	auditkafka "itroad-gateway/pkg/platform/audit/store/kafka"
	auditmemory "itroad-gateway/pkg/platform/audit/store/memory"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New()
	met := metrics.New()

	reg, err := registry.New(cfg.Registry)
	if err != nil {
		log.Error("invalid service registry", "error", err)
		os.Exit(1)
	}

	auditPub, closeAudit := buildAuditPublisher(cfg, log)
	defer closeAudit()

	healthCache := health.NewCache(cfg.HealthCacheTTL)
	checker := health.NewChecker(reg, healthCache, health.NewProber(cfg.ProbeTimeout), log, met)

	tokens := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	identityCache := identity.NewCache(cfg.IdentityCacheTTL)
	guard := identity.NewGuard(tokens, identityCache,
		buildIdentityClient(cfg, reg, log), auditPub, log, met)

	store, sweepStore, closeStore := buildRateLimitStore(cfg, log)
	defer closeStore()
	limiter := ratelimit.NewLimiter(store, cfg.RateLimit.Window, cfg.RateLimit.Ceiling, log)

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:    log,
		Registry:  reg,
		Resolver:  discovery.New(reg, checker),
		Forwarder: proxy.NewForwarder(cfg.Retry, auditPub, log, met),
		Auth:      guard,
		RateLimit: ratelimit.NewMiddleware(limiter, auditPub, log, met),
		Health:    health.NewHandler(checker, log),
		Audit:     auditPub,
		Metrics:   promhttp.Handler(),
	})

	srv := httpserver.New(cfg.Addr, router)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runSweeper(sweepCtx, cfg.SweepInterval, log, healthCache, identityCache, limiter, sweepStore)

	go func() {
		log.Info("starting itroad gateway",
			"addr", cfg.Addr,
			"services", reg.Names(),
			"rate_limit_store", cfg.RateLimit.Store,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

// buildAuditPublisher wires the audit sink: Kafka when brokers are configured,
// an in-process ring buffer otherwise. Either way events flow asynchronously
// so audit latency never sits on the request path.
func buildAuditPublisher(cfg config.Server, log *slog.Logger) (*publisher.Publisher, func()) {
	if len(cfg.Kafka.Brokers) > 0 {
		store, err := auditkafka.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			log.Warn("kafka audit sink unavailable, falling back to in-memory store", "error", err)
		} else {
			log.Info("audit events flowing to kafka", "topic", cfg.Kafka.Topic)
			pub := publisher.NewPublisher(store, publisher.WithAsyncBuffer(256))
			return pub, func() {
				pub.Close()
				store.Close()
			}
		}
	}
	pub := publisher.NewPublisher(auditmemory.NewInMemoryStore(), publisher.WithAsyncBuffer(256))
	return pub, pub.Close
}

// buildIdentityClient points the auth guard at the registered identity
// service. A registry override without one is not fatal: the guard then runs
// permanently degraded on token claims, which is loudly logged.
func buildIdentityClient(cfg config.Server, reg *registry.Registry, log *slog.Logger) *identity.Client {
	svc, err := reg.Resolve("identity")
	if err != nil {
		log.Warn("no identity service registered, authentication will rely on token claims only")
		return identity.NewClient("", cfg.ProbeTimeout)
	}
	return identity.NewClient(svc.BaseURL, svc.Timeout)
}

// buildRateLimitStore selects the window store backend. Misconfigured
// external stores degrade to the in-process store rather than halting
// startup; limiting is advisory.
func buildRateLimitStore(cfg config.Server, log *slog.Logger) (store ratelimit.Store, sweep func(context.Context), closer func()) {
	noop := func() {}
	switch cfg.RateLimit.Store {
	case "redis":
		client, err := redis.New(cfg.Redis)
		if err != nil || client == nil {
			log.Warn("redis rate limit store unavailable, using in-memory store", "error", err)
			break
		}
		log.Info("rate limit windows stored in redis")
		return ratelimit.NewRedisStore(client.Client), nil, func() { _ = client.Close() }

	case "postgres":
		if cfg.PostgresURL == "" {
			log.Warn("POSTGRES_URL not set, using in-memory rate limit store")
			break
		}
		pool, err := pgxpool.New(context.Background(), cfg.PostgresURL)
		if err != nil {
			log.Warn("postgres rate limit store unavailable, using in-memory store", "error", err)
			break
		}
		pg := ratelimit.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Warn("postgres rate limit schema setup failed, using in-memory store", "error", err)
			pool.Close()
			break
		}
		log.Info("rate limit windows stored in postgres")
		sweep = func(ctx context.Context) {
			if _, err := pg.Sweep(ctx, time.Now().Add(-cfg.RateLimit.Window)); err != nil {
				log.Warn("postgres rate window sweep failed", "error", err)
			}
		}
		return pg, sweep, pool.Close

	case "memory", "":

	default:
		log.Warn("unrecognized RATE_LIMIT_STORE value, using in-memory store",
			"value", cfg.RateLimit.Store)
	}
	return ratelimit.NewMemoryStore(), nil, noop
}

// runSweeper periodically evicts stale cache and rate-window entries.
func runSweeper(ctx context.Context, interval time.Duration, log *slog.Logger,
	healthCache *health.Cache, identityCache *identity.Cache,
	limiter *ratelimit.Limiter, sweepStore func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := healthCache.Sweep(now) + identityCache.Sweep(now) + limiter.SweepFallback(now)
			if evicted > 0 {
				log.Debug("swept stale entries", "evicted", evicted)
			}
			if sweepStore != nil {
				sweepStore(ctx)
			}
		}
	}
}
