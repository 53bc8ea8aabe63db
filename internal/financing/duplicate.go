package financing

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	duplicateLow  = decimal.RequireFromString("0.95")
	duplicateHigh = decimal.RequireFromString("1.05")
)

// DuplicateBand returns the inclusive amount range within 5% of amount.
func DuplicateBand(amount decimal.Decimal) (low, high decimal.Decimal) {
	return amount.Mul(duplicateLow), amount.Mul(duplicateHigh)
}

// IsDuplicateAmount reports whether existing falls in the band of submitted.
func IsDuplicateAmount(existing, submitted decimal.Decimal) bool {
	low, high := DuplicateBand(submitted)
	return existing.GreaterThanOrEqual(low) && existing.LessThanOrEqual(high)
}

// IsDuplicateOf reports whether candidate would flag a new submission.
func IsDuplicateOf(candidate Invoice, buyerID int64, invoiceNumber string, amount decimal.Decimal) bool {
	if candidate.IsDeleted() {
		return false
	}
	return candidate.BuyerID == buyerID &&
		candidate.InvoiceNumber == normalizeInvoiceNumber(invoiceNumber) &&
		IsDuplicateAmount(candidate.Amount, amount)
}

func normalizeInvoiceNumber(n string) string {
	return strings.TrimSpace(n)
}
