// Package app assembles the cart service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/storefront-cart/internal/auth"
	"github.com/noah-isme/storefront-cart/internal/backend"
	"github.com/noah-isme/storefront-cart/internal/common"
	"github.com/noah-isme/storefront-cart/internal/config"
	"github.com/noah-isme/storefront-cart/internal/health"
	"github.com/noah-isme/storefront-cart/internal/lock"
	"github.com/noah-isme/storefront-cart/internal/obs"
	"github.com/noah-isme/storefront-cart/internal/ratelimit"
	"github.com/noah-isme/storefront-cart/internal/resilience"
	"github.com/noah-isme/storefront-cart/internal/security"
	"github.com/noah-isme/storefront-cart/internal/session"
	"github.com/noah-isme/storefront-cart/internal/storage"
	"github.com/noah-isme/storefront-cart/internal/storefront"
)

const maxBodyBytes = 64 << 10

// Dependencies are the long-lived clients shared by the HTTP surface.
type Dependencies struct {
	Redis           *redis.Client
	Backend         *backend.Client
	Sessions        *session.Manager
	LimiterStore    limiter.Store
	MetricsRegistry *prometheus.Registry
}

// App is the assembled service.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	deps   Dependencies
	router http.Handler
}

// New connects to Redis, builds the marketplace client and session manager
// and mounts the router.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if cfg.Obs.TracingEnabled {
		if err := redisotel.InstrumentTracing(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if cfg.Obs.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, deps: Dependencies{Redis: rdb}}
	if err := a.wire(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.cfg
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := resilience.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("register resilience metrics: %w", err)
	}
	obs.MustRegisterDomainMetrics("storefront", reg)
	a.deps.MetricsRegistry = reg

	client, err := backend.New(backend.Config{
		BaseURL:             cfg.Backend.BaseURL,
		Timeout:             cfg.Backend.Timeout,
		MaxAttempts:         cfg.Backend.MaxAttempts,
		BaseBackoff:         cfg.Backend.BaseBackoff,
		BreakerMinRequests:  cfg.Backend.BreakerMinRequests,
		BreakerFailureRatio: cfg.Backend.BreakerFailureRatio,
		BreakerOpenFor:      cfg.Backend.BreakerOpenFor,
		Logger:              a.logger,
	})
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}
	a.deps.Backend = client

	sessions, err := session.NewManager(session.Config{
		Backend: client,
		Storage: storage.New(storage.NewRedisKV(a.deps.Redis), cfg.Cart.StoragePrefix, cfg.Cart.StorageTTL),
		Tokens: auth.Inspector{
			Validator:   auth.TokenValidator{Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience, ClockSkew: cfg.Auth.ClockSkew},
			AllowOpaque: cfg.Auth.AllowOpaqueTokens,
			Logger:      a.logger,
		},
		Locker:       lock.Locker{R: a.deps.Redis, Prefix: cfg.Cart.StoragePrefix + ":lock"},
		Logger:       a.logger,
		Debounce:     cfg.Cart.Debounce,
		IdleTTL:      cfg.Session.IdleTTL,
		MergeLockTTL: cfg.Session.MergeLockTTL,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	a.deps.Sessions = sessions

	store, err := limiterredis.NewStoreWithOptions(a.deps.Redis, limiter.StoreOptions{Prefix: cfg.Cart.StoragePrefix + ":limiter"})
	if err != nil {
		return fmt.Errorf("limiter store: %w", err)
	}
	a.deps.LimiterStore = store
	general, err := ratelimit.NewFixed(store, cfg.Limits.Rate)
	if err != nil {
		return fmt.Errorf("rate limit %q: %w", cfg.Limits.Rate, err)
	}

	a.router = a.routes(general)
	return nil
}

func (a *App) routes(general ratelimit.Limiter) http.Handler {
	cfg := a.cfg
	onLimitErr := func(err error) { a.logger.Warn().Err(err).Msg("rate_limit_unavailable") }

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Obs.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.MetricsEnabled {
		metrics := obs.NewHTTPMetrics("storefront", obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), a.deps.MetricsRegistry)
		r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: a.logger}.Middleware)
	r.Use(security.Headers{Enable: true, NoStore: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", storefront.SessionHeader},
		ExposedHeaders:   []string{storefront.SessionHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Obs.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(a.deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}
	healthHandler := health.Handler{
		Checker:  redisChecker{redis: a.deps.Redis},
		Breakers: []health.BreakerReporter{a.deps.Backend.Breaker()},
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	cartHandler := &storefront.Handler{Sessions: a.deps.Sessions, Logger: a.logger}
	idem := common.Idem{R: a.deps.Redis, TTL: cfg.Limits.IdempotencyTTL}
	orderLimit := ratelimit.Handler{
		Limiter: ratelimit.Sliding{Client: a.deps.Redis, Prefix: cfg.Cart.StoragePrefix + ":orders:", Window: cfg.Limits.OrderWindow, Max: cfg.Limits.OrderMax},
		Scope:   "orders",
		OnError: onLimitErr,
	}

	r.Route("/api/v1/cart", func(c chi.Router) {
		c.Use(security.BodyLimit{Max: maxBodyBytes}.Middleware)
		c.Use(auth.Middleware{AccessCookie: cfg.Auth.AccessCookie}.Capture)
		c.Use(storefront.SessionMiddleware{
			Sessions:   a.deps.Sessions,
			CookieName: cfg.Session.CookieName,
			Secure:     cfg.Session.CookieSecure,
			SameSite:   cfg.Session.CookieSameSite,
			MaxAge:     cfg.Cart.StorageTTL,
			Logger:     a.logger,
		}.Handler)
		c.Use(ratelimit.Handler{Limiter: general, Scope: "cart", OnError: onLimitErr}.Middleware)
		c.Mount("/", cartHandler.Routes(orderLimit.Middleware, idem.Middleware))
	})
	return r
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Deps exposes the shared clients.
func (a *App) Deps() Dependencies { return a.deps }

// Run sweeps idle sessions until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	a.deps.Sessions.Run(ctx, a.cfg.Session.SweepInterval)
}

// Close flushes every open cart and releases Redis.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.deps.Sessions.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if err := a.deps.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	return errors.Join(errs...)
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type redisChecker struct {
	redis *redis.Client
}

func (c redisChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}
