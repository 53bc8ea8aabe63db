package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Notifier queues notifications so delivery never blocks a request.
type Notifier struct {
	client Enqueuer
}

// NewNotifier wraps an asynq client.
func NewNotifier(client Enqueuer) *Notifier {
	return &Notifier{client: client}
}

// Notify enqueues a notify:send task.
func (n *Notifier) Notify(ctx context.Context, event string, payload map[string]any) error {
	task, err := NewNotifyTask(NotifyPayload{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	_, err = n.client.EnqueueContext(ctx, task)
	return err
}

// NotifyJob delivers notifications. Delivery is a structured log line until
// a messaging provider is configured.
type NotifyJob struct {
	Logger *slog.Logger
}

// Handle processes TaskNotify tasks.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload NotifyPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification delivered",
		slog.String("job", TaskNotify),
		slog.String("event", payload.Event),
		slog.Any("payload", payload.Payload))
	return nil
}
