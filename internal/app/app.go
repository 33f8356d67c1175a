// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/training-garden/internal/config"
	directorypostgres "github.com/bissquit/training-garden/internal/directory/postgres"
	"github.com/bissquit/training-garden/internal/mailer"
	"github.com/bissquit/training-garden/internal/pkg/ctxlog"
	"github.com/bissquit/training-garden/internal/pkg/httputil"
	"github.com/bissquit/training-garden/internal/pkg/metrics"
	"github.com/bissquit/training-garden/internal/pkg/postgres"
	"github.com/bissquit/training-garden/internal/reminders"
	reminderspostgres "github.com/bissquit/training-garden/internal/reminders/postgres"
	"github.com/bissquit/training-garden/internal/version"
	"github.com/bissquit/training-garden/migrations"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	worker        *reminders.Worker
	evaluator     *reminders.Evaluator
}

// New creates a new application instance: it migrates the schema,
// connects the pool and wires the reminder engine behind the router.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := postgres.Migrate(cfg.Database.URL(), migrations.FS); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL(),
		MaxOpenConns:    int(cfg.Database.MaxConns),
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(ctxlog.WithLogger(context.Background(), logger))

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		bgCancel: bgCancel,
	}

	go app.collectDBMetrics(bgCtx)

	router, err := app.setupRouter(bgCtx)
	if err != nil {
		db.Close()
		bgCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Metrics.Host,
			"port", a.config.Metrics.Port,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. The worker stops first
// so no item is left mid-claim longer than necessary.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.bgCancel()

	if a.worker != nil {
		a.worker.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the queue worker instance. Used in tests.
func (a *App) Worker() *reminders.Worker {
	return a.worker
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	engineCfg := reminders.Config{
		SiteName:            a.config.Reminders.SiteName,
		BaseURL:             a.config.Reminders.BaseURL,
		DefaultDeadlineDays: a.config.Reminders.DefaultDeadlineDays,
		BatchSize:           a.config.Reminders.BatchSize,
		SyncSendLimit:       a.config.Reminders.SyncSendLimit,
		StaleAfter:          a.config.Reminders.StaleAfter,
		DeliveryTimeout:     a.config.Reminders.DeliveryTimeout,
	}

	directoryRepo := directorypostgres.NewRepository(a.db)
	queueRepo := reminderspostgres.NewRepository(a.db)
	deadlineRepo := reminderspostgres.NewDeadlineRepository(a.db)

	smtpMailer, err := mailer.NewMailer(mailer.Config{
		Enabled:       a.config.Mailer.Enabled,
		SMTPHost:      a.config.Mailer.SMTPHost,
		SMTPPort:      a.config.Mailer.SMTPPort,
		SMTPUser:      a.config.Mailer.SMTPUser,
		SMTPPassword:  a.config.Mailer.SMTPPassword,
		FromAddress:   a.config.Mailer.FromAddress,
		RatePerSecond: a.config.Mailer.RatePerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("create mailer: %w", err)
	}

	renderer, err := reminders.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	courier := reminders.NewCourier(
		engineCfg, queueRepo, queueRepo, deadlineRepo, directoryRepo,
		renderer, smtpMailer, queueRepo,
	)

	enqueuer := reminders.NewEnqueuer(engineCfg, queueRepo, directoryRepo, renderer)
	a.evaluator = reminders.NewEvaluator(engineCfg, directoryRepo, deadlineRepo, queueRepo, enqueuer)

	a.worker = reminders.NewWorker(reminders.WorkerConfig{
		BatchSize:    a.config.Reminders.BatchSize,
		PollInterval: a.config.Reminders.PollInterval,
		StaleAfter:   a.config.Reminders.StaleAfter,
	}, queueRepo, courier)
	a.worker.Start(ctx)

	go a.runEvaluationScheduler(ctx)
	go a.collectQueueMetrics(ctx, queueRepo)

	service := reminders.NewService(
		engineCfg, queueRepo, deadlineRepo, directoryRepo,
		courier, a.worker, a.evaluator,
	)
	handler := reminders.NewHandler(service)

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})

	return r, nil
}

// runEvaluationScheduler periodically detects new escalations and nudges
// the worker to drain whatever was queued.
func (a *App) runEvaluationScheduler(ctx context.Context) {
	interval := a.config.Reminders.EvaluateInterval
	if interval <= 0 {
		a.logger.Info("evaluation scheduler disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("evaluation scheduler started",
		"interval", interval.String(),
		"evaluate_on_start", a.config.Reminders.EvaluateOnStart,
	)

	if a.config.Reminders.EvaluateOnStart {
		a.evaluateOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evaluateOnce(ctx)
		}
	}
}

func (a *App) evaluateOnce(ctx context.Context) {
	summary, err := a.evaluator.EvaluateEscalations(ctx, time.Now())
	if err != nil {
		a.logger.Error("scheduled evaluation failed", "error", err)
		return
	}
	if summary.Queued > 0 {
		a.worker.Submit(reminders.Scope{})
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo reminders.QueueRepository) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reminders.RecordQueueStats(ctx, repo)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
