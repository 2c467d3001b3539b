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

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/permitdesk/permitdesk/cmd/permitdesk/cli"
	"github.com/permitdesk/permitdesk/internal/app"
	audithttp "github.com/permitdesk/permitdesk/internal/audit/http"
	"github.com/permitdesk/permitdesk/internal/auth"
	"github.com/permitdesk/permitdesk/internal/observability"
	permitshttp "github.com/permitdesk/permitdesk/internal/permits/http"
	"github.com/permitdesk/permitdesk/internal/platform/broker"
	"github.com/permitdesk/permitdesk/internal/platform/cache"
	"github.com/permitdesk/permitdesk/internal/platform/db"
	"github.com/permitdesk/permitdesk/internal/rbac"
	"github.com/permitdesk/permitdesk/internal/shared"
	"github.com/permitdesk/permitdesk/internal/users"
	"github.com/permitdesk/permitdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		jobsCLI := cli.NewJobsCLI(cfg.Redis().AsynqOpt(), cfg.IdempotencyRetention)
		defer func() { _ = jobsCLI.Close() }()
		if err := jobsCLI.Run(ctx, os.Args[2:], os.Stdout); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.PGAutoMigrate {
		if err := db.Migrate(ctx, cfg.PGDSN); err != nil {
			return err
		}
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := cfg.Redis().AsynqOpt()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() { _ = jobClient.Close() }()

	metrics := observability.NewMetrics()
	opts := app.ServiceOptions{Metrics: metrics, Retrier: jobClient}
	producer := broker.NewProducer(logger, cfg.KafkaBrokers, cfg.KafkaPermitTopic)
	if producer != nil {
		defer producer.Close()
		opts.Publisher = producer
	}
	services := app.NewServices(pool, cfg, logger, opts)

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	rbacMiddleware := rbac.Middleware{Logger: logger}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    auth.NewHandler(logger, services.Auth, services.Resolver, services.Permits, sessionManager, csrfManager),
		PermitsHandler: permitshttp.NewHandler(logger, services.Permits, services.Idempotency, rbacMiddleware),
		UsersHandler:   users.NewHandler(logger, services.Users, rbacMiddleware),
		AuditHandler:   audithttp.NewHandler(logger, services.Audit),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Checks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
