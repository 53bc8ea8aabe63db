package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tradefin/tradefin/internal/jobs"
	"github.com/tradefin/tradefin/internal/shared"
)

const defaultAllocateLimit = 100

// PendingAllocator allocates receipts with an unallocated balance.
type PendingAllocator interface {
	AllocatePending(ctx context.Context, actor shared.ActorContext, limit int) (int, error)
}

// AllocatePendingJob retries allocation for receipts that were recorded
// without one or whose allocation gave up on contention.
type AllocatePendingJob struct {
	Service PendingAllocator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskRepaymentsAllocate tasks.
func (j *AllocatePendingJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("allocate pending: handler not configured")
	}
	payload := AllocatePayload{Limit: defaultAllocateLimit}
	if len(t.Payload()) > 0 {
		if err := decode(t, &payload); err != nil {
			return err
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultAllocateLimit
	}

	tracker := j.metrics().Track(TaskRepaymentsAllocate)
	created, err := j.Service.AllocatePending(ctx, shared.SystemActor, payload.Limit)
	if err != nil {
		j.logger().Error("allocate pending", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddItems(TaskRepaymentsAllocate, created)
	j.logger().Info("pending repayments allocated", slog.Int("allocations", created))
	return tracker.End(nil)
}

func (j *AllocatePendingJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRepaymentsAllocate))
	}
	return slog.Default().With(slog.String("job", TaskRepaymentsAllocate))
}

func (j *AllocatePendingJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
