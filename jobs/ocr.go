package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/financing"
	jobmetrics "github.com/tradefin/tradefin/internal/jobs"
	"github.com/tradefin/tradefin/internal/ocr"
	"github.com/tradefin/tradefin/internal/shared"
)

// OCRApplier stores extraction results on an invoice.
type OCRApplier interface {
	ApplyOCRResult(ctx context.Context, actor shared.ActorContext, invoiceID int64, result financing.OCRResult) (financing.Invoice, error)
}

// DocumentSource opens stored invoice documents.
type DocumentSource interface {
	Open(ref string) (io.ReadCloser, error)
}

// DirDocuments adapts ocr.DirSource to DocumentSource.
type DirDocuments struct {
	*ocr.DirSource
}

func (d DirDocuments) Open(ref string) (io.ReadCloser, error) {
	f, err := d.DirSource.Open(ref)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OCRJob extracts invoice documents and records the outcome. Extraction
// failures are recorded as failed results; only storage failures are retried.
type OCRJob struct {
	Service   OCRApplier
	Extractor ocr.Extractor
	Documents DocumentSource
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle processes TaskInvoiceOCR tasks.
func (j *OCRJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ocr: handler not configured")
	}
	var payload OCRPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	if payload.InvoiceID <= 0 {
		return fmt.Errorf("ocr: invoice id missing: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskInvoiceOCR)
	logger := j.logger().With(slog.Int64("invoice_id", payload.InvoiceID))

	result := j.extract(ctx, payload.DocumentRef)
	if result.Failed {
		logger.Warn("document extraction failed", slog.String("error", result.Error))
	}
	actor := shared.SystemActor
	if payload.RequestID != "" {
		actor.RequestID = payload.RequestID
	}
	inv, err := j.Service.ApplyOCRResult(ctx, actor, payload.InvoiceID, result)
	if errors.Is(err, financing.ErrInvoiceNotFound) {
		logger.Warn("invoice vanished before ocr", slog.Any("error", err))
		return tracker.End(fmt.Errorf("ocr: %w: %w", err, asynq.SkipRetry))
	}
	if err != nil {
		logger.Error("apply ocr result", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("ocr applied",
		slog.Float64("confidence", result.Confidence),
		slog.String("status", string(inv.Status)))
	return tracker.End(nil)
}

func (j *OCRJob) extract(ctx context.Context, ref string) financing.OCRResult {
	if j.Extractor == nil || j.Documents == nil {
		return financing.OCRResult{Failed: true, Error: "ocr disabled"}
	}
	doc, err := j.Documents.Open(ref)
	if err != nil {
		return financing.OCRResult{Failed: true, Error: err.Error()}
	}
	defer doc.Close()
	res, err := j.Extractor.Extract(ctx, doc)
	if err != nil {
		return financing.OCRResult{Failed: true, Error: err.Error()}
	}
	return financing.OCRResult{Confidence: res.Confidence, Fields: res.Fields}
}

func (j *OCRJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInvoiceOCR))
	}
	return slog.Default().With(slog.String("job", TaskInvoiceOCR))
}

func (j *OCRJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// EnqueueOCR returns a dispatch handler that queues extraction for invoices
// submitted with a document.
func EnqueueOCR(client Enqueuer) dispatch.HandlerFunc {
	return func(ctx context.Context, ev dispatch.Event) error {
		ref, _ := ev.Payload["document_ref"].(string)
		if ref == "" {
			return nil
		}
		task, err := NewOCRTask(OCRPayload{InvoiceID: ev.EntityID, DocumentRef: ref, RequestID: ev.ID})
		if err != nil {
			return err
		}
		_, err = client.EnqueueContext(ctx, task)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
}
