package financing

import (
	"fmt"

	"github.com/tradefin/tradefin/internal/shared"
)

// Domain errors. Each wraps a shared kind so callers can classify with errors.Is.
var (
	ErrInvoiceNotFound   = fmt.Errorf("%w: invoice", shared.ErrNotFound)
	ErrOfferNotFound     = fmt.Errorf("%w: offer", shared.ErrNotFound)
	ErrFundingNotFound   = fmt.Errorf("%w: funding", shared.ErrNotFound)
	ErrRepaymentNotFound = fmt.Errorf("%w: received repayment", shared.ErrNotFound)
	ErrSupplierNotFound  = fmt.Errorf("%w: supplier", shared.ErrNotFound)

	// Validation errors.
	ErrInvalidAmount          = fmt.Errorf("%w: amount must be greater than zero", shared.ErrValidation)
	ErrDueDateNotFuture       = fmt.Errorf("%w: due date must be after today", shared.ErrValidation)
	ErrInvalidCurrency        = fmt.Errorf("%w: currency must be an ISO 4217 code", shared.ErrValidation)
	ErrInvalidSchedule        = fmt.Errorf("%w: invalid repayment schedule", shared.ErrValidation)
	ErrInvalidPriority        = fmt.Errorf("%w: unknown priority", shared.ErrValidation)
	ErrDuplicateBankReference = fmt.Errorf("%w: bank reference already recorded for buyer", shared.ErrValidation)

	// Business rule errors.
	ErrSupplierNotApproved = fmt.Errorf("%w: supplier is not KYB approved", shared.ErrBusinessRule)
	ErrInvoiceNotOfferable = fmt.Errorf("%w: invoice is not in a reviewable state", shared.ErrBusinessRule)
	ErrDeclineLimitReached = fmt.Errorf("%w: supplier reached the declined offer limit", shared.ErrBusinessRule)
	ErrOfferCapReached     = fmt.Errorf("%w: invoice reached the offer limit", shared.ErrBusinessRule)
	ErrOfferNotValid       = fmt.Errorf("%w: offer not valid", shared.ErrBusinessRule)
	ErrOfferNotFundable    = fmt.Errorf("%w: offer net amount would not be positive", shared.ErrBusinessRule)
	ErrIllegalTransition   = fmt.Errorf("%w: illegal status transition", shared.ErrBusinessRule)
	ErrInvoiceNotApproved  = fmt.Errorf("%w: invoice must be approved", shared.ErrBusinessRule)
	ErrInvoiceNotFunded    = fmt.Errorf("%w: invoice must be funded", shared.ErrBusinessRule)
	ErrScheduleLocked      = fmt.Errorf("%w: repayments already allocated against schedule", shared.ErrBusinessRule)
	ErrInvoiceHasExposure  = fmt.Errorf("%w: invoice has funding exposure", shared.ErrBusinessRule)
)

func illegalTransition(from, to InvoiceStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
