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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/bryaninjapan/englisheditor/internal/auth"
	"github.com/bryaninjapan/englisheditor/internal/cache"
	"github.com/bryaninjapan/englisheditor/internal/config"
	"github.com/bryaninjapan/englisheditor/internal/handlers"
	"github.com/bryaninjapan/englisheditor/internal/jobs"
	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/metrics"
	"github.com/bryaninjapan/englisheditor/internal/middleware"
	"github.com/bryaninjapan/englisheditor/internal/registry"
	"github.com/bryaninjapan/englisheditor/internal/reporting"
	"github.com/bryaninjapan/englisheditor/internal/repository"
	"github.com/bryaninjapan/englisheditor/internal/router"
	"github.com/bryaninjapan/englisheditor/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env")
	}
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		slog.Error("Ledger migrations failed", "error", err)
		os.Exit(1)
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	m := metrics.New(prometheus.DefaultRegisterer)

	// Ledger
	engine := ledger.NewEngine(
		pool,
		repository.NewAccountRepo(pool),
		repository.NewActivationRepo(pool),
		repository.NewInviteRepo(pool),
		repository.NewEntryRepo(pool),
		logger,
	)
	engine.MaxAttempts = cfg.LedgerMaxTxAttempts
	engine.Observer = m

	// Jobs: insert func is set after River client is created (breaks init cycle)
	enqueuer := &jobs.Enqueuer{}
	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewRefundUsageWorker(engine, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 5},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	enqueuer.Set(func(ctx context.Context, args jobs.RefundUsageArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	})

	// Optional Redis-backed redemption limiter. Left as a nil interface when
	// REDIS_URL is empty so RedeemLimit passes through.
	var limiter middleware.AttemptLimiter
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Cannot reach Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = cache.NewAttemptLimiter(rdb, cfg.RedeemLimit, cfg.RedeemWindow)
		slog.Info("Redemption rate limiting enabled", "limit", cfg.RedeemLimit, "window", cfg.RedeemWindow)
	}

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}
	generator := services.NewGenerator(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTimeout, logger)
	if cfg.GeminiAPIKey == "" {
		slog.Warn("GEMINI_API_KEY not set, /polish will refund and fail")
	}

	authSvc, err := auth.NewService(cfg.AdminToken, cfg.AdminSessionTTL)
	if err != nil {
		slog.Error("Admin auth init failed", "error", err)
		os.Exit(1)
	}
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin routes are disabled")
	}

	registrySvc := registry.NewService(registry.NewRepository(pool), registry.Defaults{
		CreditsPerRedemption: cfg.ActivationDefaultCredits,
		MaxRedemptions:       cfg.ActivationDefaultMaxRedemptions,
		InviteCredits:        cfg.InviteCredits,
	}, logger)

	mux := router.New(router.Deps{
		Ledger: &handlers.LedgerHandler{
			Ledger:    engine,
			Entries:   repository.NewEntryRepo(pool),
			Validator: validator,
			Logger:    logger,
		},
		Polish: &handlers.PolishHandler{
			Ledger:    engine,
			Generator: generator,
			Refunds:   enqueuer,
			Observer:  m,
			Validator: validator,
			Logger:    logger,
		},
		Registry:      registry.NewHandler(registrySvc, validator, logger),
		Session:       auth.NewHandler(authSvc, logger),
		Reporting:     reporting.NewHandler(reporting.NewService(reporting.NewRepository(pool)), logger),
		Authenticator: authSvc,
		Limiter:       limiter,
		Logger:        logger,
	})
	registerOps(mux, pool)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           wrap(mux, m, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
