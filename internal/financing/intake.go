package financing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/shared"
)

// Event names emitted by the financing core.
const (
	EventInvoiceSubmitted        = "invoice.submitted"
	EventInvoiceDuplicateFlagged = "invoice.duplicate_flagged"
	EventInvoiceOCRRequested     = "invoice.ocr_requested"
	EventInvoiceOCRApplied       = "invoice.ocr_applied"
	EventInvoiceReviewed         = "invoice.reviewed"
	EventInvoiceAssigned         = "invoice.assigned"
	EventInvoiceArchived         = "invoice.archived"
	EventInvoiceWrittenOff       = "invoice.written_off"
	EventInvoiceStatusChanged    = "invoice.status_changed"
	EventOfferIssued             = "offer.issued"
	EventOfferAccepted           = "offer.accepted"
	EventOfferDeclined           = "offer.declined"
	EventOffersExpired           = "offer.expired"
	EventFundingQueued           = "funding.queued"
	EventFundingExecuted         = "funding.executed"
	EventScheduleCreated         = "schedule.created"
	EventRepaymentReceived       = "repayment.received"
	EventRepaymentAllocated      = "repayment.allocated"
)

const entityInvoice = "invoice"

// SubmitInvoice validates and stores a new invoice in draft. Invoices that
// look like an existing one are flagged, never rejected.
func (s *Service) SubmitInvoice(ctx context.Context, actor shared.ActorContext, in SubmitInvoiceInput) (Invoice, error) {
	in.InvoiceNumber = normalizeInvoiceNumber(in.InvoiceNumber)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.DocumentRef = strings.TrimSpace(in.DocumentRef)
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if err := validateSubmit(s.validate, in, s.clock()); err != nil {
		return Invoice{}, err
	}
	if err := s.requireApproved(ctx, in.SupplierID); err != nil {
		return Invoice{}, err
	}

	amount := in.Amount.Round(2)
	var (
		created Invoice
		events  []dispatch.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		low, high := DuplicateBand(amount)
		dup, err := tx.HasDuplicate(ctx, in.BuyerID, in.InvoiceNumber, low, high)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		inv := Invoice{
			SupplierID:      in.SupplierID,
			BuyerID:         in.BuyerID,
			InvoiceNumber:   in.InvoiceNumber,
			Amount:          amount,
			Currency:        in.Currency,
			DueDate:         dateOnly(in.DueDate),
			Status:          InvoiceDraft,
			Priority:        in.Priority,
			IsDuplicateFlag: dup,
			FundedAmount:    decimal.Zero,
			CreatedBy:       actor.ActorID,
		}
		if in.DocumentRef != "" {
			ref := in.DocumentRef
			inv.DocumentRef = &ref
		}
		created, err = tx.CreateInvoice(ctx, inv)
		if err != nil {
			return err
		}

		events = append(events, invoiceEvent(EventInvoiceSubmitted, created).Audited("create").Notified())
		if created.IsDuplicateFlag {
			events = append(events, invoiceEvent(EventInvoiceDuplicateFlagged, created).Audited("duplicate_flag").Notified())
		}
		if created.DocumentRef != nil {
			events = append(events, invoiceEvent(EventInvoiceOCRRequested, created).With("document_ref", *created.DocumentRef))
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.dispatch(ctx, actor, events)
	return created, nil
}

// ApplyOCRResult stores extraction output. Low confidence or a failed
// extraction sends a draft invoice to review; other statuses are untouched.
func (s *Service) ApplyOCRResult(ctx context.Context, actor shared.ActorContext, invoiceID int64, result OCRResult) (Invoice, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Invoice{}, err
	}
	var (
		updated Invoice
		events  []dispatch.Event
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		from := inv.Status
		inv.OCRData = data
		if result.Failed {
			inv.OCRConfidence = decimal.NullDecimal{}
		} else {
			inv.OCRConfidence = decimal.NewNullDecimal(decimal.NewFromFloat(result.Confidence).Round(2))
		}
		if (result.Failed || result.Confidence < OCRReviewThreshold) && inv.Status == InvoiceDraft {
			inv.Status = InvoiceUnderReview
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		updated = inv
		ev := invoiceEvent(EventInvoiceOCRApplied, inv).Audited("ocr").
			With("confidence", result.Confidence).With("failed", result.Failed)
		events = append(events, ev)
		if from != inv.Status {
			events = append(events, statusChanged(inv, from))
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.dispatch(ctx, actor, events)
	return updated, nil
}

// ReviewInvoice approves or rejects an invoice awaiting review.
func (s *Service) ReviewInvoice(ctx context.Context, actor shared.ActorContext, invoiceID int64, in ReviewInput) (Invoice, error) {
	if err := s.validate.Struct(in); err != nil {
		return Invoice{}, validationError(err)
	}
	target := InvoiceApproved
	if in.Decision == DecisionReject {
		target = InvoiceRejected
	}
	var (
		updated Invoice
		events  []dispatch.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.IsDeleted() {
			return ErrInvoiceNotFound
		}
		if !inv.Status.CanReview() || !inv.Status.CanTransitionTo(target) {
			return illegalTransition(inv.Status, target)
		}
		from := inv.Status
		now := s.clock()
		reviewer := actor.ActorID
		inv.Status = target
		inv.ReviewedBy = &reviewer
		inv.ReviewedAt = &now
		if notes := strings.TrimSpace(in.Notes); notes != "" {
			inv.ReviewNotes = &notes
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		updated = inv
		events = append(events,
			invoiceEvent(EventInvoiceReviewed, inv).Audited("review").Notified().With("decision", string(in.Decision)),
			statusChanged(inv, from),
		)
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.dispatch(ctx, actor, events)
	return updated, nil
}

// AssignInvoice sets the reviewer and triage priority.
func (s *Service) AssignInvoice(ctx context.Context, actor shared.ActorContext, invoiceID, assignee int64, priority string) (Invoice, error) {
	priority = strings.ToLower(strings.TrimSpace(priority))
	if priority == "" {
		priority = PriorityNormal
	}
	if !validPriority(priority) {
		return Invoice{}, ErrInvalidPriority
	}
	if assignee <= 0 {
		return Invoice{}, fmt.Errorf("%w: assignee required", shared.ErrValidation)
	}
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.IsDeleted() {
			return ErrInvoiceNotFound
		}
		inv.AssignedTo = &assignee
		inv.Priority = priority
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.dispatch(ctx, actor, []dispatch.Event{
		invoiceEvent(EventInvoiceAssigned, updated).Audited("assign").
			With("assigned_to", assignee).With("priority", priority),
	})
	return updated, nil
}

// ArchiveInvoice soft deletes an invoice without funding exposure. Archiving
// twice is a no-op.
func (s *Service) ArchiveInvoice(ctx context.Context, actor shared.ActorContext, invoiceID int64) (Invoice, error) {
	var (
		updated  Invoice
		archived bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.IsDeleted() {
			updated = inv
			return nil
		}
		if inv.Status.HasExposure() {
			return ErrInvoiceHasExposure
		}
		now := s.clock()
		inv.DeletedAt = &now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		updated, archived = inv, true
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	if archived {
		s.dispatch(ctx, actor, []dispatch.Event{invoiceEvent(EventInvoiceArchived, updated).Audited("archive")})
	}
	return updated, nil
}

// WriteOffInvoice closes a funded invoice as a loss. Its expected repayments
// stay outstanding so later recoveries are still allocated.
func (s *Service) WriteOffInvoice(ctx context.Context, actor shared.ActorContext, invoiceID int64, reason string) (Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Invoice{}, fmt.Errorf("%w: write-off reason required", shared.ErrValidation)
	}
	var (
		updated Invoice
		events  []dispatch.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.CanTransitionTo(InvoiceWrittenOff) {
			return illegalTransition(inv.Status, InvoiceWrittenOff)
		}
		from := inv.Status
		now := s.clock()
		inv.Status = InvoiceWrittenOff
		inv.WrittenOffAt = &now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		updated = inv
		events = append(events,
			invoiceEvent(EventInvoiceWrittenOff, inv).Audited("write_off").Notified().With("reason", reason),
			statusChanged(inv, from),
		)
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.dispatch(ctx, actor, events)
	return updated, nil
}

func invoiceEvent(name string, inv Invoice) dispatch.Event {
	return dispatch.NewEvent(name, entityInvoice, inv.ID).
		With("invoice_number", inv.InvoiceNumber).
		With("supplier_id", inv.SupplierID).
		With("buyer_id", inv.BuyerID).
		With("status", string(inv.Status))
}

func statusChanged(inv Invoice, from InvoiceStatus) dispatch.Event {
	return invoiceEvent(EventInvoiceStatusChanged, inv).Audited("status_change").Notified().
		With("from", string(from)).
		With("to", string(inv.Status))
}
