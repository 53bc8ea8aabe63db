// Package dispatch runs the side effects of committed domain operations.
//
// Services collect Events while their transaction is open and hand them to a
// Dispatcher once it commits. Sink failures are logged and never surface to
// the caller.
package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tradefin/tradefin/internal/shared"
)

// Event is a domain intent produced inside a transaction.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Entity     string         `json:"entity"`
	EntityID   int64          `json:"entity_id"`
	Action     string         `json:"action,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ActorID    int64          `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	// Notify routes the event to the notification sink.
	Notify bool `json:"-"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(name, entity string, entityID int64) Event {
	return Event{
		ID:       uuid.NewString(),
		Name:     name,
		Entity:   entity,
		EntityID: entityID,
		Payload:  map[string]any{},
	}
}

// Audited marks the event for the audit log under action.
func (e Event) Audited(action string) Event {
	e.Action = action
	return e
}

// Notified routes the event to the notification sink.
func (e Event) Notified() Event {
	e.Notify = true
	return e
}

// With adds a payload field.
func (e Event) With(key string, value any) Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// AuditSink stores audit entries.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier delivers status-change notifications.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any) error
}

// Publisher forwards events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, key string, value any) error
}

// HandlerFunc reacts to one named event.
type HandlerFunc func(ctx context.Context, ev Event) error

// Dispatcher fans committed events out to the configured sinks.
type Dispatcher struct {
	logger    *slog.Logger
	audit     AuditSink
	notifier  Notifier
	publisher Publisher
	handlers  map[string][]HandlerFunc
	now       func() time.Time
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithAudit sets the audit sink.
func WithAudit(sink AuditSink) Option { return func(d *Dispatcher) { d.audit = sink } }

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }

// WithPublisher sets the event stream.
func WithPublisher(p Publisher) Option { return func(d *Dispatcher) { d.publisher = p } }

// New constructs a dispatcher. Unset sinks are skipped.
func New(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:   logger.With(slog.String("component", "dispatch")),
		handlers: make(map[string][]HandlerFunc),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// On registers fn for events named name. Not safe to call concurrently with Dispatch.
func (d *Dispatcher) On(name string, fn HandlerFunc) {
	d.handlers[name] = append(d.handlers[name], fn)
}

// Dispatch runs every sink for every event, in order. The request context is
// detached from cancellation so a client disconnect after commit does not drop
// side effects.
func (d *Dispatcher) Dispatch(ctx context.Context, actor shared.ActorContext, events []Event) {
	if d == nil || len(events) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = d.now().UTC()
		}
		ev.ActorID = actor.ActorID
		d.dispatchOne(ctx, actor, ev)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, actor shared.ActorContext, ev Event) {
	log := d.logger.With(slog.String("event", ev.Name), slog.String("event_id", ev.ID))

	if ev.Action != "" && d.audit != nil {
		entry := shared.AuditLog{
			ActorID:   actor.ActorID,
			IP:        actor.IP,
			RequestID: actor.RequestID,
			Action:    ev.Action,
			Entity:    ev.Entity,
			EntityID:  strconv.FormatInt(ev.EntityID, 10),
			Meta:      ev.Payload,
			At:        ev.OccurredAt,
		}
		if err := d.audit.Record(ctx, entry); err != nil {
			log.Error("audit record failed", slog.Any("error", err))
		}
	}
	if ev.Notify && d.notifier != nil {
		if err := d.notifier.Notify(ctx, ev.Name, ev.Payload); err != nil {
			log.Error("notify failed", slog.Any("error", err))
		}
	}
	for _, fn := range d.handlers[ev.Name] {
		if err := fn(ctx, ev); err != nil {
			log.Error("event handler failed", slog.Any("error", err))
		}
	}
	if d.publisher != nil {
		key := ev.Entity + ":" + strconv.FormatInt(ev.EntityID, 10)
		if err := d.publisher.Publish(ctx, key, ev); err != nil {
			log.Warn("event publish failed", slog.Any("error", err))
		}
	}
}
