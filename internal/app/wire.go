package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/financing"
	"github.com/tradefin/tradefin/internal/kyb"
	"github.com/tradefin/tradefin/internal/observability"
	"github.com/tradefin/tradefin/internal/platform/cache"
	"github.com/tradefin/tradefin/internal/platform/db"
	"github.com/tradefin/tradefin/internal/platform/stream"
	"github.com/tradefin/tradefin/internal/pricing"
	"github.com/tradefin/tradefin/internal/shared"
	"github.com/tradefin/tradefin/jobs"
)

// Runtime holds the long-lived clients and services shared by the API, the
// worker and the admin CLI.
type Runtime struct {
	Config      *Config
	Logger      *slog.Logger
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Jobs        *jobs.Client
	Publisher   *stream.Publisher
	Dispatcher  *dispatch.Dispatcher
	Gate        *kyb.Gate
	Engine      *pricing.Engine
	PricingRepo *pricing.Repository
	Rules       *pricing.CachedRules
	Financing   *financing.Service
	Metrics     *observability.Metrics
	Idempotency *shared.IdempotencyStore

	closers []func() error
}

// NewRuntime connects Postgres and Redis and wires the financing service.
// Redis being unreachable degrades caching and job submission but does not
// stop startup.
func NewRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rt.Pool = pool
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })

	rt.Redis, err = cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running without cache and sweep locks", slog.Any("error", err))
	}
	rt.closers = append(rt.closers, rt.Redis.Close)

	rt.Jobs = jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	rt.closers = append(rt.closers, rt.Jobs.Close)

	rt.Publisher = stream.NewPublisher(stream.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
	rt.closers = append(rt.closers, rt.Publisher.Close)

	opts := []dispatch.Option{
		dispatch.WithAudit(shared.NewAuditLogger(pool)),
		dispatch.WithNotifier(jobs.NewNotifier(rt.Jobs)),
	}
	if rt.Publisher != nil {
		opts = append(opts, dispatch.WithPublisher(rt.Publisher))
	}
	rt.Dispatcher = dispatch.New(logger, opts...)
	if cfg.OCREnabled {
		rt.Dispatcher.On(financing.EventInvoiceOCRRequested, jobs.EnqueueOCR(rt.Jobs))
	}

	rt.Gate = kyb.NewGate(kyb.NewPGStore(pool), logger)
	rt.Engine = pricing.NewEngine(cfg.PricingAdminFee)
	rt.PricingRepo = pricing.NewRepository(pool)
	rt.Rules = pricing.NewCachedRules(rt.PricingRepo, rt.Redis, cfg.PricingCacheTTL, logger)
	rt.Idempotency = shared.NewIdempotencyStore(pool)

	rt.Financing = financing.NewService(
		financing.NewRepository(pool),
		rt.Gate,
		rt.Rules,
		rt.Engine,
		rt.Dispatcher,
		financing.Config{
			OfferTTL:              cfg.OfferTTL,
			VIPOfferTTL:           cfg.OfferVIPTTL,
			DefaultExtraPct:       cfg.FundingDefaultExtra,
			MaxAllocationAttempts: cfg.AllocationMaxAttempts,
			RetryBackoff:          financing.DefaultConfig().RetryBackoff,
		},
		logger,
	)
	rt.Financing.SetMetrics(rt.Metrics.Financing)
	return rt, nil
}

// Locker returns a sweep locker on the runtime's Redis.
func (rt *Runtime) Locker() *cache.Locker {
	return cache.NewLocker(rt.Redis)
}

// Close releases clients in reverse order of creation.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.Logger.Warn("runtime close", slog.Any("error", err))
		}
	}
}
