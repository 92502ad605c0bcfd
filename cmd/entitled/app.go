package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mihaimyh/goentitle/internal/config"
	entitlehttp "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/billing"
	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/entitle"
	entitlezerolog "github.com/mihaimyh/goentitle/pkg/entitle/logger/zerolog"
	entitleprom "github.com/mihaimyh/goentitle/pkg/entitle/metrics/prometheus"
	natsobserver "github.com/mihaimyh/goentitle/pkg/entitle/observer/nats"
)

// userIDHeader carries the authenticated user id, set by the gateway in front of entitled
const userIDHeader = "X-User-ID"

// app holds the wired components of a running server.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	backend  *backend
	provider *stripe.Provider
	engine   *entitle.Engine
	syncer   *entitle.Syncer
	handler  *api.Handler
	registry *prometheus.Registry
	natsConn *nats.Conn
}

// newLogger builds the process logger: JSON in production, console output otherwise.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsProduction() {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("component", "entitled").Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if cfg.Stripe.APIKey == "" && cfg.Stripe.WebhookSecret == "" {
		return nil, errors.New("stripe.api_key or stripe.webhook_secret must be set")
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.backend = b

	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg
	log := entitlezerolog.NewLogger(&a.logger)
	billingMetrics := billingprom.NewMetrics(a.registry, cfg.Metrics.Namespace)

	observers := entitle.Observers{
		entitle.NewLoggingObserver(log.With("engine")),
		entitleprom.NewObserver(a.registry, cfg.Metrics.Namespace),
	}
	if cfg.NATS.URL != "" {
		obs, conn, err := natsobserver.Connect(cfg.NATS.URL, natsobserver.Config{
			Subject: cfg.NATS.Subject,
			Logger:  log.With("nats"),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.natsConn = conn
		observers = append(observers, obs)
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Metrics:       billingMetrics,
			Logger:        log.With("stripe"),
		},
		PriceID: cfg.Stripe.PriceID,
	})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}
	a.provider = provider

	// Cache in front of the breaker so hits never count against the provider
	breaker := billing.NewCircuitBreakerClient(provider, billing.CircuitBreakerConfig{
		Provider: provider.Name(),
		Metrics:  billingMetrics,
		Logger:   log.With("circuit_breaker"),
	})
	client := billing.NewCachingClient(breaker, billing.CachingConfig{
		Provider: provider.Name(),
		Cache: billing.CacheConfig{
			Capacity: cfg.Cache.Size,
			TTL:      cfg.Cache.TTL,
		},
		Metrics: billingMetrics,
	})

	a.engine, err = entitle.NewEngine(entitle.Config{
		Ledger:            a.backend.ledger,
		Store:             a.backend.store,
		Billing:           client,
		Audit:             a.backend.audit,
		Observer:          entitle.Observers{observers, client.Invalidator()},
		Logger:            log.With("engine"),
		RejectStaleEvents: cfg.Engine.RejectStaleEvents,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	a.syncer, err = entitle.NewSyncer(entitle.SyncConfig{
		Store:    a.backend.store,
		Billing:  client,
		Observer: observers,
		Logger:   log.With("sync"),
		PageSize: cfg.Sync.PageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}

	a.handler, err = api.NewHandler(api.Config{
		Engine:     a.engine,
		Verifier:   provider,
		Syncer:     a.syncer,
		Store:      a.backend.store,
		GetUserID:  api.FromHeader(userIDHeader),
		Sessions:   provider,
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
		ReturnURL:  cfg.Stripe.ReturnURL,
		Provider:   provider.Name(),
		Metrics:    billingMetrics,
		Logger:     log.With("api"),
	})
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}
	return nil
}

// routes mounts the HTTP surface on chi.
func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(a.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	r.Method(http.MethodPost, "/webhooks/stripe", a.handler.WebhookHandler())

	r.Route("/billing", func(r chi.Router) {
		r.Post("/sync", a.handler.Sync)
		r.Get("/status", a.handler.Status)
		r.Post("/checkout", a.handler.Checkout)
		r.Post("/portal", a.handler.Portal)
	})

	// Entitlement check for gateways: 204 when the user is Pro
	r.With(entitlehttp.Middleware(entitlehttp.Config{
		Store:     a.backend.store,
		GetUserID: entitlehttp.FromHeader(userIDHeader),
	})).Get("/entitled", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func (a *app) close() {
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to drain nats connection")
		}
	}
	if a.backend != nil {
		a.backend.close()
	}
}
