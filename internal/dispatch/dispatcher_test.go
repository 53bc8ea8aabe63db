package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradefin/tradefin/internal/shared"
)

type recordingAudit struct {
	entries []shared.AuditLog
	err     error
}

func (r *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	r.entries = append(r.entries, log)
	return r.err
}

type recordingNotifier struct {
	names []string
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, event string, _ map[string]any) error {
	r.names = append(r.names, event)
	return r.err
}

type recordingPublisher struct {
	keys []string
}

func (r *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	r.keys = append(r.keys, key)
	return nil
}

func TestDispatchRoutesEvents(t *testing.T) {
	audit := &recordingAudit{}
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	d := New(slog.Default(), WithAudit(audit), WithNotifier(notifier), WithPublisher(publisher))

	var handled []int64
	d.On("invoice.ocr_requested", func(_ context.Context, ev Event) error {
		handled = append(handled, ev.EntityID)
		return nil
	})

	actor := shared.ActorContext{ActorID: 7, IP: "10.0.0.1", RequestID: "req-1"}
	d.Dispatch(context.Background(), actor, []Event{
		NewEvent("invoice.submitted", "invoice", 11).Audited("create").Notified().With("status", "draft"),
		NewEvent("invoice.ocr_requested", "invoice", 11),
	})

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	require.Equal(t, int64(7), entry.ActorID)
	require.Equal(t, "10.0.0.1", entry.IP)
	require.Equal(t, "create", entry.Action)
	require.Equal(t, "11", entry.EntityID)
	require.Equal(t, "draft", entry.Meta["status"])
	require.False(t, entry.At.IsZero())

	require.Equal(t, []string{"invoice.submitted"}, notifier.names)
	require.Equal(t, []int64{11}, handled)
	require.Equal(t, []string{"invoice:11", "invoice:11"}, publisher.keys)
}

func TestDispatchSwallowsSinkFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	audit := &recordingAudit{err: errors.New("db down")}
	notifier := &recordingNotifier{err: errors.New("queue down")}
	d := New(logger, WithAudit(audit), WithNotifier(notifier))
	d.On("offer.accepted", func(context.Context, Event) error { return errors.New("handler down") })

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), shared.SystemActor, []Event{
			NewEvent("offer.accepted", "offer", 3).Audited("accept").Notified(),
		})
	})
	require.Contains(t, buf.String(), "audit record failed")
	require.Contains(t, buf.String(), "notify failed")
	require.Contains(t, buf.String(), "event handler failed")
}

func TestEventWithDoesNotAlias(t *testing.T) {
	base := NewEvent("x", "invoice", 1)
	a := base.With("k", 1)
	b := base.With("k", 2)
	require.Equal(t, 1, a.Payload["k"])
	require.Equal(t, 2, b.Payload["k"])
	require.Empty(t, base.Payload)
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), shared.SystemActor, []Event{NewEvent("x", "y", 1)})
	})
}
