package financing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/shared"
)

const (
	entityFunding  = "funding"
	maxScheduleLen = 360
)

// ExecuteFunding disburses a queued funding and moves its invoice to funded.
// Executing an already disbursed funding returns it unchanged.
func (s *Service) ExecuteFunding(ctx context.Context, actor shared.ActorContext, fundingID int64) (Funding, error) {
	var (
		result Funding
		events []dispatch.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		f, err := tx.LockFunding(ctx, fundingID)
		if err != nil {
			return err
		}
		if f.Executed() {
			result = f
			return nil
		}
		inv, err := tx.LockInvoice(ctx, f.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoicePendingFunding {
			return illegalTransition(inv.Status, InvoiceFunded)
		}
		now := s.clock()
		if err := tx.MarkFundingExecuted(ctx, f.ID, now); err != nil {
			return err
		}
		f.FundedAt = &now

		from := inv.Status
		inv.Status = InvoiceFunded
		inv.FundedAmount = inv.FundedAmount.Add(f.Amount)
		inv.FundedDate = &now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		scheduled, err := s.ensureSchedule(ctx, tx, inv)
		if err != nil {
			return err
		}
		result = f
		events = append(events,
			fundingEvent(EventFundingExecuted, f).Audited("execute").Notified(),
			statusChanged(inv, from),
		)
		if len(scheduled) > 0 {
			events = append(events, scheduleEvent(inv, scheduled))
		}
		return nil
	})
	if err != nil {
		return Funding{}, err
	}
	s.dispatch(ctx, actor, events)
	return result, nil
}

// RecordManualPayment records a disbursement made outside the offer flow
// against an approved invoice. A nil date means now.
func (s *Service) RecordManualPayment(ctx context.Context, actor shared.ActorContext, invoiceID int64, amount decimal.Decimal, date *time.Time) (Funding, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return Funding{}, ErrInvalidAmount
	}
	var (
		result Funding
		events []dispatch.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.IsDeleted() {
			return ErrInvoiceNotFound
		}
		if inv.Status != InvoiceApproved {
			return ErrInvoiceNotApproved
		}
		fundedAt := s.clock()
		if date != nil && !date.IsZero() {
			fundedAt = date.UTC()
		}
		f, err := tx.CreateFunding(ctx, Funding{
			InvoiceID: inv.ID,
			Amount:    amount,
			FundedAt:  &fundedAt,
			CreatedBy: actor.ActorID,
		})
		if err != nil {
			return err
		}

		from := inv.Status
		inv.Status = InvoiceFunded
		inv.FundedAmount = inv.FundedAmount.Add(amount)
		inv.FundedDate = &fundedAt
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		scheduled, err := s.ensureSchedule(ctx, tx, inv)
		if err != nil {
			return err
		}
		result = f
		events = append(events,
			fundingEvent(EventFundingExecuted, f).Audited("manual_payment").Notified(),
			statusChanged(inv, from),
		)
		if len(scheduled) > 0 {
			events = append(events, scheduleEvent(inv, scheduled))
		}
		return nil
	})
	if err != nil {
		return Funding{}, err
	}
	s.dispatch(ctx, actor, events)
	return result, nil
}

// CreateRepaymentSchedule replaces the invoice's expected repayments with
// parts installments spaced intervalDays apart from the due date. The same
// inputs always produce the same rows.
func (s *Service) CreateRepaymentSchedule(ctx context.Context, actor shared.ActorContext, invoiceID int64, in ScheduleInput) ([]ExpectedRepayment, error) {
	if err := validateSchedule(s.validate, in); err != nil {
		return nil, err
	}
	var (
		created []ExpectedRepayment
		inv     Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceFunded {
			return ErrInvoiceNotFunded
		}
		allocated, err := tx.CountAllocationsForInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if allocated > 0 {
			return ErrScheduleLocked
		}
		plan, err := BuildSchedule(inv, in)
		if err != nil {
			return err
		}
		if err := tx.DeleteExpectedForInvoice(ctx, inv.ID); err != nil {
			return err
		}
		created, err = insertSchedule(ctx, tx, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, actor, []dispatch.Event{scheduleEvent(inv, created)})
	return created, nil
}

// ensureSchedule creates the default single-installment schedule when the
// invoice has none.
func (s *Service) ensureSchedule(ctx context.Context, tx TxRepository, inv Invoice) ([]ExpectedRepayment, error) {
	existing, err := tx.ListExpectedForInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, nil
	}
	plan, err := BuildSchedule(inv, ScheduleInput{Parts: 1, IntervalDays: 0, ExtraPct: s.cfg.DefaultExtraPct})
	if err != nil {
		return nil, err
	}
	return insertSchedule(ctx, tx, plan)
}

func insertSchedule(ctx context.Context, tx TxRepository, plan []ExpectedRepayment) ([]ExpectedRepayment, error) {
	out := make([]ExpectedRepayment, 0, len(plan))
	for _, row := range plan {
		created, err := tx.CreateExpected(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// BuildSchedule splits principal × (1 + extra/100) into in.Parts installments
// rounded to cents. The last installment absorbs the rounding remainder so
// the set sums exactly to the total.
func BuildSchedule(inv Invoice, in ScheduleInput) ([]ExpectedRepayment, error) {
	if in.Parts < 1 || in.Parts > maxScheduleLen || in.IntervalDays < 0 {
		return nil, ErrInvalidSchedule
	}
	if in.ExtraPct.IsNegative() {
		return nil, ErrInvalidSchedule
	}
	factor := decimal.NewFromInt(1).Add(in.ExtraPct.Div(hundred))
	total := inv.Principal().Mul(factor).Round(2)
	parts := decimal.NewFromInt(int64(in.Parts))
	part := total.Div(parts).Round(2)
	last := total.Sub(part.Mul(decimal.NewFromInt(int64(in.Parts - 1))))
	if part.LessThan(minScheduled) || last.LessThan(minScheduled) {
		return nil, fmt.Errorf("%w: installments would fall below one cent", ErrInvalidSchedule)
	}

	due := dateOnly(inv.DueDate)
	out := make([]ExpectedRepayment, 0, in.Parts)
	for i := 1; i <= in.Parts; i++ {
		amount := part
		if i == in.Parts {
			amount = last
		}
		out = append(out, ExpectedRepayment{
			InvoiceID:      inv.ID,
			BuyerID:        inv.BuyerID,
			InstallmentNo:  i,
			Amount:         amount,
			OriginalAmount: amount,
			DueDate:        due.AddDate(0, 0, i*in.IntervalDays),
			Status:         RepaymentOpen,
		})
	}
	return out, nil
}

func fundingEvent(name string, f Funding) dispatch.Event {
	ev := dispatch.NewEvent(name, entityFunding, f.ID).
		With("invoice_id", f.InvoiceID).
		With("amount", f.Amount.String())
	if f.OfferID != nil {
		ev = ev.With("offer_id", *f.OfferID)
	}
	return ev
}

func scheduleEvent(inv Invoice, rows []ExpectedRepayment) dispatch.Event {
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.OriginalAmount)
	}
	return invoiceEvent(EventScheduleCreated, inv).Audited("schedule").
		With("installments", len(rows)).
		With("total", total.String())
}
