package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
	"github.com/permitdesk/permitdesk/internal/auth"
	"github.com/permitdesk/permitdesk/internal/observability"
	"github.com/permitdesk/permitdesk/internal/permits"
	"github.com/permitdesk/permitdesk/internal/shared"
	"github.com/permitdesk/permitdesk/internal/users"
)

// Services is the domain graph shared by the server and worker binaries.
type Services struct {
	Recorder    *audit.Recorder
	Audit       *audit.Service
	Resolver    *access.Resolver
	Engine      *permits.Engine
	Permits     *permits.Service
	Users       *users.Service
	Auth        *auth.Service
	Idempotency *shared.IdempotencyStore
}

// ServiceOptions carries the optional collaborators of the service graph.
type ServiceOptions struct {
	Metrics   *observability.Metrics
	Publisher permits.EventPublisher
	Retrier   permits.HistoryRetrier
}

// NewServices wires repositories and services over one pool.
func NewServices(pool *pgxpool.Pool, cfg *Config, logger *slog.Logger, opts ServiceOptions) *Services {
	auditRepo := audit.NewPGRepository(pool)
	recorder := audit.NewRecorder(auditRepo, logger)
	if opts.Metrics != nil {
		recorder.OnFailure(opts.Metrics.AuditWriteFailed)
	}

	accessRepo := access.NewRepository(pool)
	usersRepo := users.NewRepository(pool)
	resolver := access.NewResolver(accessRepo, usersRepo, recorder, logger)
	if opts.Metrics != nil {
		resolver.WithObserver(opts.Metrics)
	}

	permitRepo := permits.NewPGRepository(pool)
	engine := permits.NewEngine(permitRepo, recorder, logger)
	if opts.Metrics != nil {
		engine.WithObserver(opts.Metrics)
	}
	if opts.Publisher != nil {
		engine.WithPublisher(opts.Publisher)
	}
	auditService := audit.NewService(auditRepo)
	permitService := permits.NewService(permitRepo, engine, recorder, auditService, logger).
		WithLocation(cfg.Location())
	if opts.Retrier != nil {
		engine.WithRetrier(opts.Retrier)
		permitService.WithRetrier(opts.Retrier)
	}

	return &Services{
		Recorder:    recorder,
		Audit:       auditService,
		Resolver:    resolver,
		Engine:      engine,
		Permits:     permitService,
		Users:       users.NewService(usersRepo, accessRepo, recorder, logger),
		Auth:        auth.NewService(auth.NewRepository(pool), recorder, logger),
		Idempotency: shared.NewIdempotencyStore(pool),
	}
}
