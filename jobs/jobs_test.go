package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/financing"
	jobmetrics "github.com/tradefin/tradefin/internal/jobs"
	"github.com/tradefin/tradefin/internal/ocr"
	"github.com/tradefin/tradefin/internal/platform/cache"
	"github.com/tradefin/tradefin/internal/shared"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestNotifierEnqueuesTask(t *testing.T) {
	q := &recordingEnqueuer{}
	n := NewNotifier(q)

	require.NoError(t, n.Notify(context.Background(), "offer.accepted", map[string]any{"offer_id": 7}))
	require.Len(t, q.tasks, 1)
	require.Equal(t, TaskNotify, q.tasks[0].Type())

	var payload NotifyPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &payload))
	require.Equal(t, "offer.accepted", payload.Event)
	require.EqualValues(t, 7, payload.Payload["offer_id"])

	q.err = errors.New("redis down")
	require.Error(t, n.Notify(context.Background(), "offer.accepted", nil))
}

func TestNotifyJobRejectsBadPayload(t *testing.T) {
	job := &NotifyJob{}
	err := job.Handle(context.Background(), asynq.NewTask(TaskNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	ok, _ := NewNotifyTask(NotifyPayload{Event: "invoice.status_changed"})
	require.NoError(t, job.Handle(context.Background(), ok))
}

func TestEnqueueOCR(t *testing.T) {
	q := &recordingEnqueuer{}
	handler := EnqueueOCR(q)

	ev := dispatch.NewEvent(financing.EventInvoiceOCRRequested, "invoice", 42)
	require.NoError(t, handler(context.Background(), ev))
	require.Empty(t, q.tasks)

	ev = ev.With("document_ref", "2026/inv-42.pdf")
	require.NoError(t, handler(context.Background(), ev))
	require.Len(t, q.tasks, 1)
	require.Equal(t, TaskInvoiceOCR, q.tasks[0].Type())
	var payload OCRPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &payload))
	require.Equal(t, OCRPayload{InvoiceID: 42, DocumentRef: "2026/inv-42.pdf", RequestID: ev.ID}, payload)

	q.err = asynq.ErrTaskIDConflict
	require.NoError(t, handler(context.Background(), ev))
}

type fakeApplier struct {
	got   []financing.OCRResult
	actor shared.ActorContext
	err   error
}

func (f *fakeApplier) ApplyOCRResult(_ context.Context, actor shared.ActorContext, invoiceID int64, result financing.OCRResult) (financing.Invoice, error) {
	f.actor = actor
	f.got = append(f.got, result)
	if f.err != nil {
		return financing.Invoice{}, f.err
	}
	return financing.Invoice{ID: invoiceID, Status: financing.InvoiceDraft}, nil
}

type fakeExtractor struct {
	res ocr.Result
	err error
}

func (f fakeExtractor) Extract(_ context.Context, doc io.Reader) (ocr.Result, error) {
	if _, err := io.ReadAll(doc); err != nil {
		return ocr.Result{}, err
	}
	return f.res, f.err
}

type memDocuments map[string]string

func (m memDocuments) Open(ref string) (io.ReadCloser, error) {
	body, ok := m[ref]
	if !ok {
		return nil, ocr.ErrDocumentNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func ocrTask(t *testing.T, id int64, ref string) *asynq.Task {
	task, err := NewOCRTask(OCRPayload{InvoiceID: id, DocumentRef: ref, RequestID: "evt-1"})
	require.NoError(t, err)
	return task
}

func TestOCRJobAppliesResult(t *testing.T) {
	svc := &fakeApplier{}
	job := &OCRJob{
		Service:   svc,
		Extractor: fakeExtractor{res: ocr.Result{Confidence: 91.5, Fields: map[string]string{"invoice_number": "A1"}}},
		Documents: memDocuments{"a.pdf": "%PDF-"},
		Metrics:   testMetrics(),
	}

	require.NoError(t, job.Handle(context.Background(), ocrTask(t, 5, "a.pdf")))
	require.Equal(t, []financing.OCRResult{{Confidence: 91.5, Fields: map[string]string{"invoice_number": "A1"}}}, svc.got)
	require.Equal(t, "evt-1", svc.actor.RequestID)
	require.Zero(t, svc.actor.ActorID)
}

func TestOCRJobRecordsFailures(t *testing.T) {
	svc := &fakeApplier{}
	job := &OCRJob{
		Service:   svc,
		Extractor: fakeExtractor{err: ocr.ErrUnsupportedDocument},
		Documents: memDocuments{"a.txt": "hello"},
		Metrics:   testMetrics(),
	}

	require.NoError(t, job.Handle(context.Background(), ocrTask(t, 5, "a.txt")))
	require.NoError(t, job.Handle(context.Background(), ocrTask(t, 5, "missing.pdf")))
	require.Len(t, svc.got, 2)
	for _, res := range svc.got {
		require.True(t, res.Failed)
		require.NotEmpty(t, res.Error)
	}

	disabled := &OCRJob{Service: svc, Metrics: testMetrics()}
	require.NoError(t, disabled.Handle(context.Background(), ocrTask(t, 5, "a.pdf")))
	require.Equal(t, "ocr disabled", svc.got[2].Error)
}

func TestOCRJobErrors(t *testing.T) {
	svc := &fakeApplier{err: financing.ErrInvoiceNotFound}
	job := &OCRJob{Service: svc, Metrics: testMetrics()}
	require.ErrorIs(t, job.Handle(context.Background(), ocrTask(t, 5, "a.pdf")), asynq.SkipRetry)

	svc.err = shared.ErrConflict
	err := job.Handle(context.Background(), ocrTask(t, 5, "a.pdf"))
	require.ErrorIs(t, err, shared.ErrConflict)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskInvoiceOCR, []byte(`{"invoice_id":0}`))), asynq.SkipRetry)
}

type countingExpirer struct {
	calls []time.Time
	n     int
	err   error
}

func (c *countingExpirer) ExpireOffers(_ context.Context, now time.Time) (int, error) {
	c.calls = append(c.calls, now)
	return c.n, c.err
}

func newRedisLocker(t *testing.T) (*cache.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewLocker(client), mr
}

func TestOfferExpiryJobSweepsUnderLock(t *testing.T) {
	locker, mr := newRedisLocker(t)
	svc := &countingExpirer{n: 3}
	job := NewOfferExpiryJob(svc, locker, nil, testMetrics())
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	require.NoError(t, job.Handle(context.Background(), NewOffersExpireTask()))
	require.Equal(t, []time.Time{now}, svc.calls)
	require.False(t, mr.Exists(shared.SweepLockKey("offers")))
}

func TestOfferExpiryJobSkipsWhenLocked(t *testing.T) {
	locker, mr := newRedisLocker(t)
	require.NoError(t, mr.Set(shared.SweepLockKey("offers"), "other-worker"))
	svc := &countingExpirer{}
	job := NewOfferExpiryJob(svc, locker, nil, testMetrics())

	require.NoError(t, job.Handle(context.Background(), NewOffersExpireTask()))
	require.Empty(t, svc.calls)
	got, err := mr.Get(shared.SweepLockKey("offers"))
	require.NoError(t, err)
	require.Equal(t, "other-worker", got)
}

func TestOfferExpiryJobPropagatesError(t *testing.T) {
	locker, mr := newRedisLocker(t)
	svc := &countingExpirer{err: shared.ErrConflict}
	job := NewOfferExpiryJob(svc, locker, nil, testMetrics())

	require.ErrorIs(t, job.Handle(context.Background(), NewOffersExpireTask()), shared.ErrConflict)
	require.False(t, mr.Exists(shared.SweepLockKey("offers")))
}

type fakeAllocator struct {
	limits []int
	actor  shared.ActorContext
}

func (f *fakeAllocator) AllocatePending(_ context.Context, actor shared.ActorContext, limit int) (int, error) {
	f.actor = actor
	f.limits = append(f.limits, limit)
	return 2, nil
}

func TestAllocatePendingJob(t *testing.T) {
	svc := &fakeAllocator{}
	job := &AllocatePendingJob{Service: svc, Metrics: testMetrics()}

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskRepaymentsAllocate, nil)))
	task, err := NewAllocateTask(25)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, []int{defaultAllocateLimit, 25}, svc.limits)
	require.Equal(t, shared.SystemActor, svc.actor)
}

type fakeInspector map[string]*asynq.QueueInfo

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := f[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestJobsHealth(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{QueueDefault: {Queue: QueueDefault, Pending: 4, Retry: 1}}, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueCritical},
		{Queue: QueueDefault, Pending: 4, Retry: 1},
	}, body.Queues)
}
