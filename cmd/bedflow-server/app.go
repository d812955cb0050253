package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/config"
	"github.com/dataclinica/bedflow/internal/domain/alerting"
	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/capacity"
	"github.com/dataclinica/bedflow/internal/domain/movement"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/auth"
	"github.com/dataclinica/bedflow/internal/platform/cache"
	"github.com/dataclinica/bedflow/internal/platform/collab"
	"github.com/dataclinica/bedflow/internal/platform/db"
	"github.com/dataclinica/bedflow/internal/platform/middleware"
	"github.com/dataclinica/bedflow/internal/platform/notification"
	"github.com/dataclinica/bedflow/internal/platform/telemetry"
	"github.com/dataclinica/bedflow/internal/platform/validate"
	"github.com/dataclinica/bedflow/internal/platform/websocket"
)

const version = "0.4.0"

// app holds the wired server. Everything hangs off one bed.Registry.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	echo   *echo.Echo

	pool       *pgxpool.Pool
	registry   *bed.Registry
	sweeper    *reservation.Sweeper
	feed       *alerting.Feed
	dispatcher *notification.Dispatcher
	hub        *websocket.Hub
	metrics    *telemetry.Metrics

	closers []func()
}

type stores struct {
	txr          db.Transactor
	beds         bed.Repository
	reservations reservation.Repository
	movement     movement.Repos
	alerts       alerting.Repository
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Domain
	a.registry = bed.NewRegistry(st.beds, st.txr, logger)
	resMgr := reservation.NewManager(a.registry, st.reservations, logger)
	a.sweeper = reservation.NewSweeper(resMgr, cfg.ExpirySchedule, logger)
	index := movement.NewWorkflowIndex(st.movement, a.registry)

	evalOpts := []capacity.Option{capacity.WithCleaningEstimate(cfg.CleaningEstimate)}
	if cfg.EquipmentURL != "" {
		evalOpts = append(evalOpts, capacity.WithEquipmentChecker(collab.NewEquipmentClient(a.collabConfig(cfg.EquipmentURL), logger)))
	}
	if cfg.StaffURL != "" {
		evalOpts = append(evalOpts, capacity.WithStaffChecker(collab.NewStaffClient(a.collabConfig(cfg.StaffURL), logger)))
	}
	eval := capacity.NewEvaluator(a.registry, resMgr, index, logger, evalOpts...)

	senders, err := a.notificationSenders()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = notification.NewDispatcher(senders, nil, logger,
		notification.WithMaxAttempts(cfg.NotifyMaxAttempts),
		notification.WithBackoff(cfg.NotifyRetryInterval),
	)

	engineOpts := []movement.Option{
		movement.WithHoldDuration(cfg.ReservationHold),
		movement.WithNotifier(a.dispatcher),
	}
	if cfg.BillingURL != "" {
		engineOpts = append(engineOpts, movement.WithBillingPublisher(collab.NewBillingClient(a.collabConfig(cfg.BillingURL), logger)))
	}
	if cfg.ClearanceURL != "" {
		engineOpts = append(engineOpts, movement.WithClearanceChecker(collab.NewClearanceClient(a.collabConfig(cfg.ClearanceURL), logger)))
	}
	engine := movement.NewEngine(a.registry, resMgr, st.movement, eval, logger, engineOpts...)

	a.feed = alerting.NewFeed(a.registry, resMgr, eval, st.alerts, logger,
		alerting.WithThresholds(cfg.HighOccupancyThreshold, cfg.CapacityShortageThreshold),
		alerting.WithGrace(cfg.ReservationGrace),
		alerting.WithHistory(alerting.NewHistory(alerting.DefaultHistorySize)),
	)

	// Read side
	a.hub = websocket.NewHub(logger)
	a.metrics = telemetry.New(telemetry.Config{
		ServiceVersion:    version,
		Environment:       cfg.Env,
		RuntimeCollectors: true,
	})
	snapshotCache := a.snapshotCache(ctx)

	a.registry.AddObserver(a.feed)
	a.registry.AddObserver(a.hub)
	a.registry.AddObserver(a.metrics)
	if rc, ok := snapshotCache.(*cache.Redis); ok {
		a.registry.AddObserver(rc)
	}

	a.feed.OnAlert(a.metrics.AlertChanged)
	a.feed.OnAlert(func(ctx context.Context, al *alerting.Alert) {
		typ := "alert.opened"
		if !al.Open() {
			typ = "alert.resolved"
		}
		if err := a.hub.PublishJSON(ctx, websocket.TopicAlerts, typ, al.ID.String(), al); err != nil {
			logger.Warn().Err(err).Str("alert_id", al.ID.String()).Msg("alert broadcast failed")
		}
	})
	a.sweeper.AfterSweep(a.metrics.SweepCompleted)
	a.sweeper.AfterSweep(func(ctx context.Context, _ []*reservation.Reservation) {
		a.feed.Evaluate(ctx)
		// Registrations do not emit changes; resync the gauges.
		if err := a.seedBedMetrics(ctx); err != nil {
			logger.Warn().Err(err).Msg("bed gauge resync failed")
		}
	})

	if err := a.seedBedMetrics(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.echo = a.buildEcho(resMgr, eval, engine, snapshotCache)
	return a, nil
}

func (a *app) seedBedMetrics(ctx context.Context) error {
	all, err := a.registry.ListByFilter(ctx, bed.Filter{})
	if err != nil {
		return fmt.Errorf("load beds: %w", err)
	}
	a.metrics.SeedBeds(all)
	return nil
}

func (a *app) openStores(ctx context.Context) (*stores, error) {
	if !a.cfg.UsesPostgres() {
		a.logger.Info().Msg("using in-memory store")
		return &stores{
			txr:          db.MemoryTransactor{},
			beds:         bed.NewMemoryRepo(),
			reservations: reservation.NewMemoryRepo(),
			movement:     movement.NewMemoryRepos(),
			alerts:       alerting.NewMemoryRepo(),
		}, nil
	}

	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	a.logger.Info().Msg("connected to database")

	return &stores{
		txr:          db.NewTransactor(pool),
		beds:         bed.NewRepo(pool),
		reservations: reservation.NewRepo(pool),
		movement:     movement.NewPGRepos(pool),
		alerts:       alerting.NewRepo(pool),
	}, nil
}

func (a *app) collabConfig(baseURL string) collab.Config {
	return collab.Config{
		BaseURL: baseURL,
		Timeout: a.cfg.CollabTimeout,
		Retries: a.cfg.CollabRetries,
		Token:   a.cfg.CollabToken,
	}
}

func (a *app) notificationSenders() ([]notification.Sender, error) {
	senders := []notification.Sender{notification.NewLogSender(a.logger)}
	if a.cfg.NotifyURL != "" {
		senders = append(senders, notification.NewHTTPSender(a.cfg.NotifyURL, a.cfg.CollabTimeout))
	}
	if a.cfg.MQTTBrokerURL != "" {
		client, err := notification.NewMQTTClient(notification.MQTTConfig{
			Broker:   a.cfg.MQTTBrokerURL,
			ClientID: a.cfg.MQTTClientID,
			Username: a.cfg.MQTTUsername,
			Password: a.cfg.MQTTPassword,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Disconnect)
		senders = append(senders, notification.NewMQTTSender(client, a.cfg.MQTTTopicPrefix))
	}
	return senders, nil
}

// snapshotCache returns nil when REDIS_URL is unset or unreachable; the
// capacity handler then always computes.
func (a *app) snapshotCache(ctx context.Context) capacity.JSONCache {
	if a.cfg.RedisURL == "" {
		return nil
	}
	rdb, err := cache.Connect(ctx, a.cfg.RedisURL)
	if err != nil {
		a.logger.Warn().Err(err).Msg("redis unavailable, capacity snapshots will not be cached")
		return nil
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return cache.New(rdb, a.cfg.SnapshotCacheTTL, a.logger)
}

func (a *app) buildEcho(resMgr *reservation.Manager, eval *capacity.Evaluator, engine *movement.Engine, snapshotCache capacity.JSONCache) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Unauthenticated
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}
	e.GET("/metrics", a.metrics.Handler())

	authMW := a.authMiddleware()

	ws := e.Group("", authMW)
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(ws)

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	bed.NewHandler(a.registry).RegisterRoutes(apiV1)
	reservation.NewHandler(resMgr, a.sweeper).RegisterRoutes(apiV1)
	capacity.NewHandler(eval, snapshotCache, logger).RegisterRoutes(apiV1)
	movement.NewHandler(engine).RegisterRoutes(apiV1)
	alerting.NewHandler(a.feed).RegisterRoutes(apiV1)
	notification.NewHandler(a.dispatcher).RegisterRoutes(apiV1)

	return e
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	cfg := a.cfg
	switch {
	case cfg.AuthSigningKey != "":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	case cfg.AuthIssuer != "":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	default:
		a.logger.Warn().Msg("development auth enabled: X-User-ID and X-User-Roles headers are trusted")
		return auth.DevAuthMiddleware()
	}
}

// Run starts the background workers and serves until ctx is done.
func (a *app) Run(ctx context.Context) error {
	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start reservation sweeper: %w", err)
	}
	defer a.sweeper.Stop()

	workers, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.dispatcher.Run(workers, a.cfg.NotifyRetryInterval)

	// Open alerts reflect the state we start with.
	a.feed.Evaluate(ctx)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("store", a.cfg.Store).Msg("starting bedflow server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
