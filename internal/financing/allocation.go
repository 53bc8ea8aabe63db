package financing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/shared"
)

const entityRepayment = "received_repayment"

// WaterfallStep is one allocation produced by the waterfall.
type WaterfallStep struct {
	ExpectedID int64
	InvoiceID  int64
	Take       decimal.Decimal
	// Balance is the obligation's open amount after the take.
	Balance decimal.Decimal
	Status  RepaymentStatus
}

// WaterfallResult is the outcome of applying a payment.
type WaterfallResult struct {
	Steps       []WaterfallStep
	Unallocated decimal.Decimal
}

// Allocated sums the takes.
func (r WaterfallResult) Allocated() decimal.Decimal {
	total := decimal.Zero
	for _, step := range r.Steps {
		total = total.Add(step.Take)
	}
	return total
}

// Waterfall applies amount to outstanding obligations oldest due date first.
// Fully covered obligations settle; the last one touched may be left partial.
func Waterfall(amount decimal.Decimal, expected []ExpectedRepayment) WaterfallResult {
	ordered := make([]ExpectedRepayment, 0, len(expected))
	for _, e := range expected {
		if e.Status.IsOutstanding() && e.Amount.IsPositive() {
			ordered = append(ordered, e)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].DueDate.Equal(ordered[j].DueDate) {
			return ordered[i].DueDate.Before(ordered[j].DueDate)
		}
		return ordered[i].ID < ordered[j].ID
	})

	remaining := amount
	var steps []WaterfallStep
	for _, e := range ordered {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(e.Amount, remaining)
		remaining = remaining.Sub(take)
		step := WaterfallStep{ExpectedID: e.ID, InvoiceID: e.InvoiceID, Take: take}
		if take.Equal(e.Amount) {
			step.Balance = decimal.Zero
			step.Status = RepaymentSettled
		} else {
			step.Balance = e.Amount.Sub(take)
			step.Status = RepaymentPartial
		}
		steps = append(steps, step)
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return WaterfallResult{Steps: steps, Unallocated: remaining}
}

// RecordReceivedRepayment stores a buyer payment. A bank reference can only
// be recorded once per buyer. With AllocateNow the receipt is allocated right
// after it commits.
func (s *Service) RecordReceivedRepayment(ctx context.Context, actor shared.ActorContext, in RecordRepaymentInput) (ReceivedRepayment, error) {
	in.BankReference = strings.TrimSpace(in.BankReference)
	if err := validateRepayment(s.validate, in); err != nil {
		return ReceivedRepayment{}, err
	}
	amount := in.Amount.Round(2)
	var created ReceivedRepayment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.CreateReceived(ctx, ReceivedRepayment{
			BuyerID:           in.BuyerID,
			Amount:            amount,
			ReceivedDate:      dateOnly(in.ReceivedDate),
			BankReference:     in.BankReference,
			AllocatedAmount:   decimal.Zero,
			UnallocatedAmount: amount,
			CreatedBy:         actor.ActorID,
		})
		return err
	})
	if err != nil {
		return ReceivedRepayment{}, err
	}
	s.dispatch(ctx, actor, []dispatch.Event{
		dispatch.NewEvent(EventRepaymentReceived, entityRepayment, created.ID).Audited("create").
			With("buyer_id", created.BuyerID).
			With("amount", created.Amount.String()).
			With("bank_reference", created.BankReference),
	})
	if !in.AllocateNow {
		return created, nil
	}
	if _, err := s.Allocate(ctx, actor, created.ID); err != nil {
		return created, fmt.Errorf("allocate repayment %d: %w", created.ID, err)
	}
	return s.repo.GetReceivedRepayment(ctx, created.ID)
}

// Allocate applies the unallocated part of a receipt to the buyer's
// outstanding obligations. Re-running on a fully allocated receipt creates
// nothing. Lock conflicts retry the whole transaction.
func (s *Service) Allocate(ctx context.Context, actor shared.ActorContext, receivedID int64) ([]RepaymentAllocation, error) {
	attempts := s.cfg.MaxAllocationAttempts
	for attempt := 1; ; attempt++ {
		allocations, events, err := s.allocateOnce(ctx, actor, receivedID)
		if err == nil {
			if len(allocations) > 0 {
				total := decimal.Zero
				for _, a := range allocations {
					total = total.Add(a.Amount)
				}
				s.metrics.ObserveAllocation(len(allocations), total.InexactFloat64())
			}
			s.dispatch(ctx, actor, events)
			return allocations, nil
		}
		if !shared.IsRetryable(err) {
			return nil, err
		}
		s.metrics.ObserveAllocationConflict()
		if attempt >= attempts {
			return nil, err
		}
		s.logger.Warn("allocation conflict, retrying",
			slog.Int64("received_id", receivedID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if err := sleepContext(ctx, s.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
			return nil, err
		}
	}
}

func (s *Service) allocateOnce(ctx context.Context, actor shared.ActorContext, receivedID int64) ([]RepaymentAllocation, []dispatch.Event, error) {
	var (
		allocations []RepaymentAllocation
		events      []dispatch.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		allocations, events = nil, nil
		rec, err := tx.LockReceived(ctx, receivedID)
		if err != nil {
			return err
		}
		remaining := rec.Remaining()
		if !remaining.IsPositive() {
			return nil
		}
		outstanding, err := tx.LockOutstandingForBuyer(ctx, rec.BuyerID)
		if err != nil {
			return err
		}
		result := Waterfall(remaining, outstanding)
		if len(result.Steps) == 0 {
			return nil
		}

		byID := make(map[int64]ExpectedRepayment, len(outstanding))
		for _, e := range outstanding {
			byID[e.ID] = e
		}
		var settledInvoices []int64
		seen := make(map[int64]bool)
		for _, step := range result.Steps {
			alloc, err := tx.CreateAllocation(ctx, RepaymentAllocation{
				ReceivedRepaymentID: rec.ID,
				ExpectedRepaymentID: step.ExpectedID,
				Amount:              step.Take,
			})
			if err != nil {
				return err
			}
			allocations = append(allocations, alloc)

			expected := byID[step.ExpectedID]
			expected.Amount = step.Balance
			expected.Status = step.Status
			if err := tx.UpdateExpected(ctx, expected); err != nil {
				return err
			}
			if step.Status == RepaymentSettled && !seen[step.InvoiceID] {
				seen[step.InvoiceID] = true
				settledInvoices = append(settledInvoices, step.InvoiceID)
			}
		}

		rec.UnallocatedAmount = result.Unallocated
		rec.AllocatedAmount = rec.Amount.Sub(result.Unallocated)
		if err := tx.UpdateReceivedAllocation(ctx, rec); err != nil {
			return err
		}
		events = append(events, dispatch.NewEvent(EventRepaymentAllocated, entityRepayment, rec.ID).Audited("allocate").
			With("allocations", len(allocations)).
			With("allocated", result.Allocated().String()).
			With("unallocated", rec.UnallocatedAmount.String()))

		for _, invoiceID := range settledInvoices {
			ev, err := s.closeRepaidInvoice(ctx, tx, invoiceID)
			if err != nil {
				return err
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return allocations, events, nil
}

// closeRepaidInvoice moves a funded invoice to repaid once every expected
// repayment has settled.
func (s *Service) closeRepaidInvoice(ctx context.Context, tx TxRepository, invoiceID int64) (*dispatch.Event, error) {
	open, err := tx.CountUnsettledForInvoice(ctx, invoiceID)
	if err != nil || open > 0 {
		return nil, err
	}
	inv, err := tx.LockInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransitionTo(InvoiceRepaid) {
		return nil, nil
	}
	from := inv.Status
	inv.Status = InvoiceRepaid
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	ev := statusChanged(inv, from)
	return &ev, nil
}

// AllocatePending allocates every receipt that still has an unallocated
// balance. Receipts that fail are logged and skipped.
func (s *Service) AllocatePending(ctx context.Context, actor shared.ActorContext, limit int) (int, error) {
	pending, err := s.repo.ListUnallocatedRepayments(ctx, limit)
	if err != nil {
		return 0, err
	}
	var created int
	for _, rec := range pending {
		allocations, err := s.Allocate(ctx, actor, rec.ID)
		if err != nil {
			s.logger.Error("allocate pending repayment", slog.Int64("received_id", rec.ID), slog.Any("error", err))
			continue
		}
		created += len(allocations)
	}
	return created, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
