package financing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/tradefin/tradefin/internal/shared"
)

const (
	// MaxSupplierDeclines is how many declined offers a supplier may have
	// before no further offers are issued to them.
	MaxSupplierDeclines = 3
	// MaxOffersPerInvoice caps offers ever issued for one invoice.
	MaxOffersPerInvoice = 3
	// OCRReviewThreshold is the confidence below which an invoice goes to review.
	OCRReviewThreshold = 80.0
)

var (
	hundred      = decimal.NewFromInt(100)
	minScheduled = decimal.New(1, -2)
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		_, err := currency.ParseISO(fl.Field().String())
		return err == nil
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "currency" {
			return ErrInvalidCurrency
		}
		return fmt.Errorf("%w: %s failed on %s", shared.ErrValidation, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", shared.ErrValidation, err)
}

// positiveMoney reports whether d is still positive once rounded to cents.
func positiveMoney(d decimal.Decimal) bool {
	return d.Round(2).IsPositive()
}

func validateSubmit(v *validator.Validate, in SubmitInvoiceInput, now time.Time) error {
	if err := v.Struct(in); err != nil {
		return validationError(err)
	}
	if !positiveMoney(in.Amount) {
		return ErrInvalidAmount
	}
	if !dateOnly(in.DueDate).After(dateOnly(now)) {
		return ErrDueDateNotFuture
	}
	return nil
}

func validateSchedule(v *validator.Validate, in ScheduleInput) error {
	if err := v.Struct(in); err != nil {
		return validationError(err)
	}
	if in.ExtraPct.IsNegative() || in.ExtraPct.GreaterThan(hundred) {
		return fmt.Errorf("%w: extra percentage must be between 0 and 100", ErrInvalidSchedule)
	}
	return nil
}

func validateRepayment(v *validator.Validate, in RecordRepaymentInput) error {
	if err := v.Struct(in); err != nil {
		return validationError(err)
	}
	if !positiveMoney(in.Amount) {
		return ErrInvalidAmount
	}
	if in.ReceivedDate.IsZero() {
		return fmt.Errorf("%w: received date required", shared.ErrValidation)
	}
	return nil
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
