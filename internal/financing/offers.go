package financing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/pricing"
	"github.com/tradefin/tradefin/internal/shared"
)

const entityOffer = "offer"

// IssueOffer prices the invoice and records an issued offer. The invoice
// status is not changed.
func (s *Service) IssueOffer(ctx context.Context, actor shared.ActorContext, invoiceID int64, grades GradeInputs) (Offer, error) {
	if err := s.validate.Struct(grades); err != nil {
		return Offer{}, validationError(err)
	}
	var rules []pricing.OverrideRule
	if s.rules != nil {
		loaded, err := s.rules.ActiveRules(ctx)
		if err != nil {
			return Offer{}, err
		}
		rules = loaded
	}

	var (
		issued Offer
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
		if !inv.Status.CanReceiveOffer() {
			return ErrInvoiceNotOfferable
		}
		supplier, err := tx.GetSupplier(ctx, inv.SupplierID)
		if err != nil {
			return err
		}
		declines, err := tx.CountSupplierDeclines(ctx, inv.SupplierID)
		if err != nil {
			return err
		}
		if declines >= MaxSupplierDeclines {
			return ErrDeclineLimitReached
		}
		offered, err := tx.CountInvoiceOffers(ctx, inv.ID)
		if err != nil {
			return err
		}
		if offered >= MaxOffersPerInvoice {
			return ErrOfferCapReached
		}

		now := s.clock()
		snap, err := s.engine.Quote(pricing.Input{
			Amount:        inv.Amount,
			DueDate:       inv.DueDate,
			SupplierGrade: pricing.ParseGrade(grades.SupplierGrade),
			BuyerGrade:    pricing.ParseGrade(grades.BuyerGrade),
			DefaultRate:   grades.DefaultRate,
			VIP:           supplier.IsVIP,
		}, rules, now)
		if err != nil {
			return err
		}
		if !snap.NetAmount.IsPositive() {
			return ErrOfferNotFundable
		}
		ttl := s.cfg.OfferTTL
		if supplier.IsVIP {
			ttl = s.cfg.VIPOfferTTL
		}
		issued, err = tx.CreateOffer(ctx, Offer{
			InvoiceID:      inv.ID,
			Amount:         snap.Amount,
			TenorDays:      snap.TenorDays,
			DiscountRate:   snap.DiscountRate,
			DiscountAmount: snap.DiscountAmount,
			AdminFee:       snap.AdminFee,
			NetAmount:      snap.NetAmount,
			Snapshot:       snap,
			Status:         OfferIssued,
			IssuedBy:       actor.ActorID,
			IssuedAt:       now,
			ExpiresAt:      now.Add(ttl),
		})
		if err != nil {
			return err
		}
		events = append(events, offerEvent(EventOfferIssued, issued, inv.SupplierID).Audited("issue").Notified().
			With("net_amount", issued.NetAmount.String()).
			With("expires_at", issued.ExpiresAt))
		return nil
	})
	if err != nil {
		return Offer{}, err
	}
	s.metrics.ObserveOfferTransition(string(OfferIssued), 1)
	s.dispatch(ctx, actor, events)
	return issued, nil
}

// AcceptOffer accepts a live offer, moves its invoice to pending_funding and
// queues the funding.
func (s *Service) AcceptOffer(ctx context.Context, actor shared.ActorContext, offerID int64) (Funding, error) {
	current, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return Funding{}, err
	}
	if !current.IsValidAt(s.clock()) {
		return Funding{}, ErrOfferNotValid
	}
	inv, err := s.repo.GetInvoice(ctx, current.InvoiceID)
	if err != nil {
		return Funding{}, err
	}
	if err := s.requireApproved(ctx, inv.SupplierID); err != nil {
		return Funding{}, err
	}

	var (
		funding Funding
		events  []dispatch.Event
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		offer, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		now := s.clock()
		if !offer.IsValidAt(now) {
			return ErrOfferNotValid
		}
		inv, err := tx.LockInvoice(ctx, offer.InvoiceID)
		if err != nil {
			return err
		}
		if inv.IsDeleted() {
			return ErrInvoiceNotFound
		}
		if !inv.Status.CanTransitionTo(InvoicePendingFunding) {
			return illegalTransition(inv.Status, InvoicePendingFunding)
		}

		offer.Status = OfferAccepted
		offer.RespondedAt = &now
		if err := tx.UpdateOffer(ctx, offer); err != nil {
			return err
		}
		from := inv.Status
		inv.Status = InvoicePendingFunding
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		offerID := offer.ID
		funding, err = tx.CreateFunding(ctx, Funding{
			InvoiceID: inv.ID,
			OfferID:   &offerID,
			Amount:    offer.NetAmount,
			CreatedBy: actor.ActorID,
		})
		if err != nil {
			return err
		}
		events = append(events,
			offerEvent(EventOfferAccepted, offer, inv.SupplierID).Audited("accept").Notified(),
			statusChanged(inv, from),
			fundingEvent(EventFundingQueued, funding).Audited("queue"),
		)
		return nil
	})
	if err != nil {
		return Funding{}, err
	}
	s.metrics.ObserveOfferTransition(string(OfferAccepted), 1)
	s.dispatch(ctx, actor, events)
	return funding, nil
}

// DeclineOffer declines an issued offer and returns the invoice to approved
// so it can be offered again.
func (s *Service) DeclineOffer(ctx context.Context, actor shared.ActorContext, offerID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	var events []dispatch.Event
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		offer, err := tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if !offer.Status.CanTransitionTo(OfferDeclined) {
			return ErrOfferNotValid
		}
		inv, err := tx.LockInvoice(ctx, offer.InvoiceID)
		if err != nil {
			return err
		}

		now := s.clock()
		offer.Status = OfferDeclined
		offer.RespondedAt = &now
		if reason != "" {
			offer.DeclineReason = &reason
		}
		if err := tx.UpdateOffer(ctx, offer); err != nil {
			return err
		}
		events = append(events, offerEvent(EventOfferDeclined, offer, inv.SupplierID).Audited("decline").Notified().
			With("reason", reason))

		if inv.Status != InvoiceApproved && inv.Status.CanTransitionTo(InvoiceApproved) {
			from := inv.Status
			inv.Status = InvoiceApproved
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
			events = append(events, statusChanged(inv, from))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.ObserveOfferTransition(string(OfferDeclined), 1)
	s.dispatch(ctx, actor, events)
	return nil
}

// ExpireOffers marks every issued offer past its expiry as expired. Safe to
// run repeatedly and concurrently.
func (s *Service) ExpireOffers(ctx context.Context, now time.Time) (int, error) {
	var expired int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, err := tx.ExpireOffers(ctx, now.UTC())
		expired = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.metrics.ObserveOfferTransition(string(OfferExpired), expired)
		s.logger.Info("offers expired", slog.Int("count", expired))
	}
	return expired, nil
}

func offerEvent(name string, offer Offer, supplierID int64) dispatch.Event {
	return dispatch.NewEvent(name, entityOffer, offer.ID).
		With("invoice_id", offer.InvoiceID).
		With("supplier_id", supplierID).
		With("status", string(offer.Status))
}
