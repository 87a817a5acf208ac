package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/phuocem/HealthCareCenter-sub000/internal/config"
	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/auth"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/cache"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/events"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/memstore"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/middleware"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/sandbox"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/telemetry"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/websocket"
)

func runServer(seed bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: requests without a token run as admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mp metric.MeterProvider = noop.NewMeterProvider()
	if cfg.OTelEnabled {
		provider, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			ServiceName:    "clinic-server",
			ServiceVersion: version,
			Environment:    cfg.Env,
			OTLPEndpoint:   cfg.OTelEndpoint,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown")
			}
		}()
		mp = provider
	}

	srv, err := newApp(ctx, cfg, logger, mp)
	if err != nil {
		return err
	}
	defer srv.Close()

	if seed {
		if cfg.Store != config.StoreMemory {
			return fmt.Errorf("--seed is only supported with STORE=memory; use the seed command")
		}
		sctx := context.WithValue(ctx, db.ClinicIDKey, cfg.DefaultClinic)
		if _, err := sandbox.NewSeeder(sandbox.DefaultSeedConfig(), srv.svc, logger).Apply(sctx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// app is a wired server with the resources it must release.
type app struct {
	echo    *echo.Echo
	svc     *scheduling.Service
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, mp metric.MeterProvider) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}

	var (
		pool          *pgxpool.Pool
		doctors       scheduling.DoctorRepository
		templates     scheduling.TemplateRepository
		appointments  scheduling.AppointmentRepository
		clinicContext echo.MiddlewareFunc
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		logger.Info().Msg("connected to database")
		doctors = scheduling.NewDoctorRepoPG(pool)
		templates = scheduling.NewTemplateRepoPG(pool)
		appointments = scheduling.NewAppointmentRepoPG(pool)
		clinicContext = db.ClinicMiddleware(pool, cfg.DefaultClinic)
	default:
		store := memstore.New()
		doctors, templates, appointments = store.Doctors(), store.Templates(), store.Appointments()
		clinicContext = db.ClinicOnly(cfg.DefaultClinic)
	}

	opts := []scheduling.Option{
		scheduling.WithLogger(logger),
		scheduling.WithMetrics(metrics),
		scheduling.WithStoreTimeout(cfg.StoreTimeout),
	}

	switch cfg.CacheBackend {
	case config.CacheLRU:
		opts = append(opts, scheduling.WithTemplateCache(cache.NewLRU(cfg.CacheSize, cfg.CacheTTL)))
	case config.CacheRedis:
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, scheduling.WithTemplateCache(cache.NewRedis(client, cfg.CacheTTL, logger)))
	}

	hub := websocket.NewHub(logger)
	publishers := events.Fanout{hub}
	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fail(fmt.Errorf("amqp: %w", err))
		}
		a.closers = append(a.closers, pub.Close)
		publishers = append(publishers, pub)
	} else {
		publishers = append(publishers, events.NewLogPublisher(logger))
	}
	opts = append(opts, scheduling.WithEventPublisher(publishers))

	a.svc = scheduling.NewService(doctors, templates, appointments, opts...)

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return fail(err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e, logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Clinic-ID", scheduling.IdempotencyKeyHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(authMW)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.Store,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, cfg.DefaultClinic))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", clinicContext, middleware.RateLimit(rateLimitCfg))
	scheduling.NewHandler(a.svc, cfg.DefaultSlotMinutes).RegisterRoutes(apiV1)
	live := apiV1.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(live)

	a.echo = e
	return a, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		return auth.DevAuthMiddleware(cfg.DefaultClinic), nil
	case "external":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}), nil
	case "shared-key":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// errorHandler drops errors for clients that went away and logs unexpected
// failures before rendering them the echo way.
func errorHandler(e *echo.Echo, logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if errors.Is(err, context.Canceled) {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Str("route", c.Path()).Msg("unhandled error")
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}
