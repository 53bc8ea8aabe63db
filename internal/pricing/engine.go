package pricing

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	hundred           = decimal.NewFromInt(100)
	dayCountBasis     = decimal.NewFromInt(360)
	defaultRateWeight = decimal.RequireFromString("0.2")
	vipDiscount       = decimal.RequireFromString("0.5")
	gradeStep         = decimal.RequireFromString("0.5")
)

type tenorTier struct {
	maxDays int
	rate    decimal.Decimal
}

var tenorTiers = []tenorTier{
	{maxDays: 30, rate: decimal.RequireFromString("6.0")},
	{maxDays: 60, rate: decimal.RequireFromString("7.0")},
	{maxDays: 90, rate: decimal.RequireFromString("8.0")},
}

var longTenorRate = decimal.RequireFromString("9.0")

// Engine prices invoices. It holds configuration only and is safe for
// concurrent use.
type Engine struct {
	adminFee decimal.Decimal
}

// NewEngine builds an engine charging the given fixed admin fee.
func NewEngine(adminFee decimal.Decimal) *Engine {
	return &Engine{adminFee: adminFee.Round(2)}
}

// AdminFee returns the configured fee.
func (e *Engine) AdminFee() decimal.Decimal {
	return e.adminFee
}

// Quote prices the input as of now. Rules may be nil.
func (e *Engine) Quote(in Input, rules []OverrideRule, now time.Time) (Snapshot, error) {
	if !in.Amount.IsPositive() {
		return Snapshot{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if in.DueDate.IsZero() {
		return Snapshot{}, fmt.Errorf("%w: due date required", ErrInvalidInput)
	}
	if in.DefaultRate.IsNegative() || in.DefaultRate.GreaterThan(hundred) {
		return Snapshot{}, fmt.Errorf("%w: default rate must be between 0 and 100", ErrInvalidInput)
	}

	snap := Snapshot{
		Amount:        in.Amount,
		DueDate:       in.DueDate,
		PricedAt:      now.UTC(),
		SupplierGrade: in.SupplierGrade,
		BuyerGrade:    in.BuyerGrade,
		DefaultRate:   in.DefaultRate,
		TenorDays:     TenorDays(now, in.DueDate),
		AdminFee:      e.adminFee,
	}

	snap.BaseRate = TierRate(snap.TenorDays)
	if rule, ok := MatchRule(rules, snap.TenorDays, in.Amount); ok {
		id := rule.ID
		snap.BaseRate = rule.BaseRate
		snap.OverrideRuleID = &id
	}
	snap.GradeAdjustment = GradeAdjustment(in.SupplierGrade).Add(GradeAdjustment(in.BuyerGrade))
	snap.DefaultRateAdjustment = in.DefaultRate.Mul(defaultRateWeight)

	rate := snap.BaseRate.Add(snap.GradeAdjustment).Add(snap.DefaultRateAdjustment)
	snap.DiscountRate = floorZero(rate).Round(4)
	e.settle(&snap)

	if in.VIP {
		snap.DiscountRate = floorZero(snap.DiscountRate.Sub(vipDiscount))
		snap.VIPApplied = true
		e.settle(&snap)
	}
	return snap, nil
}

// settle derives the discount and net amounts from the snapshot's rate.
func (e *Engine) settle(snap *Snapshot) {
	snap.DiscountAmount = DiscountAmount(snap.Amount, snap.DiscountRate, snap.TenorDays)
	snap.NetAmount = snap.Amount.Sub(snap.DiscountAmount).Sub(e.adminFee).Round(2)
}

// DiscountAmount applies rate (percent per year) over tenor days on a
// 360-day year, rounded to cents.
func DiscountAmount(amount, rate decimal.Decimal, tenorDays int) decimal.Decimal {
	return amount.Mul(rate).Mul(decimal.NewFromInt(int64(tenorDays))).
		Div(hundred.Mul(dayCountBasis)).Round(2)
}

// TenorDays counts whole calendar days from now until due, never negative.
func TenorDays(now, due time.Time) int {
	today := truncateDay(now)
	days := int(truncateDay(due).Sub(today).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// TierRate returns the base annual rate for a tenor.
func TierRate(tenorDays int) decimal.Decimal {
	for _, tier := range tenorTiers {
		if tenorDays <= tier.maxDays {
			return tier.rate
		}
	}
	return longTenorRate
}

// GradeAdjustment maps a grade to its rate shift in percentage points.
func GradeAdjustment(g Grade) decimal.Decimal {
	switch g {
	case GradeA:
		return gradeStep.Neg()
	case GradeC:
		return gradeStep
	default:
		return decimal.Zero
	}
}

// MatchRule picks the first active rule covering the tenor and amount,
// scanning in descending tenor_min order.
func MatchRule(rules []OverrideRule, tenorDays int, amount decimal.Decimal) (OverrideRule, bool) {
	if len(rules) == 0 {
		return OverrideRule{}, false
	}
	ordered := make([]OverrideRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TenorMin > ordered[j].TenorMin
	})
	for _, rule := range ordered {
		if rule.Matches(tenorDays, amount) {
			return rule, true
		}
	}
	return OverrideRule{}, false
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
