package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries user-visible work such as OCR.
	QueueCritical = "critical"

	TaskNotify             = "notify:send"
	TaskInvoiceOCR         = "invoice:ocr"
	TaskOffersExpire       = "offers:expire"
	TaskRepaymentsAllocate = "repayments:allocate"
)

// NotifyPayload is a status-change notification.
type NotifyPayload struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// OCRPayload asks the worker to extract an invoice document.
type OCRPayload struct {
	InvoiceID   int64  `json:"invoice_id"`
	DocumentRef string `json:"document_ref"`
	RequestID   string `json:"request_id,omitempty"`
}

// AllocatePayload bounds one pending-allocation run.
type AllocatePayload struct {
	Limit int `json:"limit"`
}

// Enqueuer is the part of asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode %s: %w", typ, err)
	}
	return asynq.NewTask(typ, data, opts...), nil
}

func decode(t *asynq.Task, target any) error {
	if err := json.Unmarshal(t.Payload(), target); err != nil {
		return fmt.Errorf("jobs: decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// NewNotifyTask constructs a notification task.
func NewNotifyTask(payload NotifyPayload) (*asynq.Task, error) {
	return newTask(TaskNotify, payload, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
}

// NewOCRTask constructs an OCR task. The task id dedupes repeated requests
// for the same document.
func NewOCRTask(payload OCRPayload) (*asynq.Task, error) {
	return newTask(TaskInvoiceOCR, payload,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(3),
		asynq.TaskID(fmt.Sprintf("ocr:%d:%s", payload.InvoiceID, payload.DocumentRef)),
	)
}

// NewOffersExpireTask constructs the periodic expiry sweep.
func NewOffersExpireTask() *asynq.Task {
	return asynq.NewTask(TaskOffersExpire, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// NewAllocateTask constructs a pending-allocation run.
func NewAllocateTask(limit int) (*asynq.Task, error) {
	return newTask(TaskRepaymentsAllocate, AllocatePayload{Limit: limit}, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
