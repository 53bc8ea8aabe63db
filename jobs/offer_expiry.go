package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tradefin/tradefin/internal/jobs"
	"github.com/tradefin/tradefin/internal/shared"
)

// OfferExpirer moves overdue offers to expired.
type OfferExpirer interface {
	ExpireOffers(ctx context.Context, now time.Time) (int, error)
}

// Locker grants exclusive sweep leases.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// OfferExpiryJob runs the expiry sweep under a Redis lease so overlapping
// schedulers do not sweep twice.
type OfferExpiryJob struct {
	Service  OfferExpirer
	Locker   Locker
	LeaseTTL time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewOfferExpiryJob initialises the sweep handler.
func NewOfferExpiryJob(service OfferExpirer, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *OfferExpiryJob {
	return &OfferExpiryJob{
		Service:  service,
		Locker:   locker,
		LeaseTTL: 2 * time.Minute,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *OfferExpiryJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("offer expiry: handler not configured")
	}
	logger := j.logger()
	if j.Locker != nil {
		release, ok, err := j.Locker.TryLock(ctx, shared.SweepLockKey("offers"), j.LeaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("sweep already running elsewhere")
			return nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release sweep lock", slog.Any("error", err))
			}
		}()
	}

	tracker := j.metrics().Track(TaskOffersExpire)
	n, err := j.Service.ExpireOffers(ctx, j.now())
	if err != nil {
		logger.Error("expire offers", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddItems(TaskOffersExpire, n)
	if n > 0 {
		logger.Info("offers expired", slog.Int("count", n))
	}
	return tracker.End(nil)
}

func (j *OfferExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOffersExpire))
	}
	return slog.Default().With(slog.String("job", TaskOffersExpire))
}

func (j *OfferExpiryJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OfferExpiryJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
