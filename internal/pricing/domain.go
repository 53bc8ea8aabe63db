// Package pricing computes discount offers for invoice financing.
package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/shared"
)

// Grade is a coarse risk bucket assigned to a supplier or buyer.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
)

// ParseGrade normalises user input. Unknown grades are kept as given and
// price with a zero adjustment.
func ParseGrade(raw string) Grade {
	return Grade(strings.ToUpper(strings.TrimSpace(raw)))
}

// Input carries the terms the engine prices.
type Input struct {
	Amount        decimal.Decimal
	DueDate       time.Time
	SupplierGrade Grade
	BuyerGrade    Grade
	// DefaultRate is the historical default rate in percent, 0 to 100.
	DefaultRate decimal.Decimal
	VIP         bool
}

// Snapshot is the immutable record of an engine run: inputs and outputs.
type Snapshot struct {
	Amount                decimal.Decimal `json:"amount"`
	DueDate               time.Time       `json:"due_date"`
	PricedAt              time.Time       `json:"priced_at"`
	SupplierGrade         Grade           `json:"supplier_grade"`
	BuyerGrade            Grade           `json:"buyer_grade"`
	DefaultRate           decimal.Decimal `json:"default_rate"`
	TenorDays             int             `json:"tenor_days"`
	BaseRate              decimal.Decimal `json:"base_rate"`
	OverrideRuleID        *int64          `json:"override_rule_id,omitempty"`
	GradeAdjustment       decimal.Decimal `json:"grade_adjustment"`
	DefaultRateAdjustment decimal.Decimal `json:"default_rate_adjustment"`
	DiscountRate          decimal.Decimal `json:"discount_rate"`
	DiscountAmount        decimal.Decimal `json:"discount_amount"`
	AdminFee              decimal.Decimal `json:"admin_fee"`
	NetAmount             decimal.Decimal `json:"net_amount"`
	VIPApplied            bool            `json:"vip_applied"`
}

// OverrideRule replaces the tiered base rate for a tenor and amount band.
// Nil or invalid bounds are open.
type OverrideRule struct {
	ID        int64               `json:"id"`
	TenorMin  int                 `json:"tenor_min"`
	TenorMax  *int                `json:"tenor_max,omitempty"`
	AmountMin decimal.NullDecimal `json:"amount_min"`
	AmountMax decimal.NullDecimal `json:"amount_max"`
	BaseRate  decimal.Decimal     `json:"base_rate"`
	Active    bool                `json:"active"`
}

// Matches reports whether the rule covers the tenor and amount.
func (r OverrideRule) Matches(tenorDays int, amount decimal.Decimal) bool {
	if !r.Active {
		return false
	}
	if tenorDays < r.TenorMin {
		return false
	}
	if r.TenorMax != nil && tenorDays > *r.TenorMax {
		return false
	}
	if r.AmountMin.Valid && amount.LessThan(r.AmountMin.Decimal) {
		return false
	}
	if r.AmountMax.Valid && amount.GreaterThan(r.AmountMax.Decimal) {
		return false
	}
	return true
}

// ErrInvalidInput is returned for terms the engine cannot price.
var ErrInvalidInput = fmt.Errorf("%w: invalid pricing input", shared.ErrValidation)
