// Package financing implements the invoice financing lifecycle: intake with
// duplicate detection, offer issuance and response, funding execution,
// repayment schedules and the repayment allocation waterfall.
package financing

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/pricing"
)

// InvoiceStatus represents the lifecycle of a financed invoice.
type InvoiceStatus string

const (
	InvoiceDraft          InvoiceStatus = "draft"
	InvoiceUnderReview    InvoiceStatus = "under_review"
	InvoiceApproved       InvoiceStatus = "approved"
	InvoiceRejected       InvoiceStatus = "rejected"
	InvoicePendingFunding InvoiceStatus = "pending_funding"
	InvoiceFunded         InvoiceStatus = "funded"
	InvoiceRepaid         InvoiceStatus = "repaid"
	InvoiceWrittenOff     InvoiceStatus = "written_off"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:          {InvoiceUnderReview, InvoiceApproved, InvoiceRejected},
	InvoiceUnderReview:    {InvoiceApproved, InvoiceRejected, InvoicePendingFunding},
	InvoiceApproved:       {InvoicePendingFunding, InvoiceFunded},
	InvoicePendingFunding: {InvoiceFunded},
	InvoiceFunded:         {InvoiceRepaid, InvoiceWrittenOff},
}

// IsValid checks if the status is known.
func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceDraft, InvoiceUnderReview, InvoiceApproved, InvoiceRejected,
		InvoicePendingFunding, InvoiceFunded, InvoiceRepaid, InvoiceWrittenOff:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal move from s.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, candidate := range invoiceTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CanReceiveOffer reports whether offers may be issued in this status.
func (s InvoiceStatus) CanReceiveOffer() bool {
	return s == InvoiceUnderReview || s == InvoiceApproved
}

// CanReview reports whether a reviewer may approve or reject.
func (s InvoiceStatus) CanReview() bool {
	return s == InvoiceDraft || s == InvoiceUnderReview
}

// HasExposure reports whether money is committed or outstanding.
func (s InvoiceStatus) HasExposure() bool {
	return s == InvoicePendingFunding || s == InvoiceFunded
}

// OfferStatus represents the offer state machine.
type OfferStatus string

const (
	OfferIssued   OfferStatus = "issued"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// IsTerminal reports whether the offer can no longer change.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferAccepted || s == OfferDeclined || s == OfferExpired
}

// CanTransitionTo only allows moves out of issued.
func (s OfferStatus) CanTransitionTo(next OfferStatus) bool {
	return s == OfferIssued && next.IsTerminal()
}

// RepaymentStatus tracks an expected repayment.
type RepaymentStatus string

const (
	RepaymentOpen    RepaymentStatus = "open"
	RepaymentPartial RepaymentStatus = "partial"
	RepaymentSettled RepaymentStatus = "settled"
)

// IsOutstanding reports whether the obligation can still take allocations.
func (s RepaymentStatus) IsOutstanding() bool {
	return s == RepaymentOpen || s == RepaymentPartial
}

// Priority values accepted for invoice triage.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Invoice is a trade invoice submitted for financing.
type Invoice struct {
	ID              int64               `json:"id"`
	SupplierID      int64               `json:"supplier_id"`
	BuyerID         int64               `json:"buyer_id"`
	InvoiceNumber   string              `json:"invoice_number"`
	Amount          decimal.Decimal     `json:"amount"`
	Currency        string              `json:"currency"`
	DueDate         time.Time           `json:"due_date"`
	Status          InvoiceStatus       `json:"status"`
	Priority        string              `json:"priority"`
	AssignedTo      *int64              `json:"assigned_to,omitempty"`
	ReviewedBy      *int64              `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time          `json:"reviewed_at,omitempty"`
	ReviewNotes     *string             `json:"review_notes,omitempty"`
	IsDuplicateFlag bool                `json:"is_duplicate_flag"`
	DocumentRef     *string             `json:"document_ref,omitempty"`
	OCRConfidence   decimal.NullDecimal `json:"ocr_confidence"`
	OCRData         json.RawMessage     `json:"ocr_data,omitempty"`
	FundedAmount    decimal.Decimal     `json:"funded_amount"`
	FundedDate      *time.Time          `json:"funded_date,omitempty"`
	WrittenOffAt    *time.Time          `json:"written_off_at,omitempty"`
	DeletedAt       *time.Time          `json:"deleted_at,omitempty"`
	CreatedBy       int64               `json:"created_by"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsDeleted reports whether the invoice was archived.
func (i Invoice) IsDeleted() bool {
	return i.DeletedAt != nil
}

// Principal is the base of the repayment schedule: the funded amount, or the
// face amount when nothing has been funded yet.
func (i Invoice) Principal() decimal.Decimal {
	if i.FundedAmount.IsPositive() {
		return i.FundedAmount
	}
	return i.Amount
}

// Offer is a priced financing proposal for an invoice.
type Offer struct {
	ID             int64            `json:"id"`
	InvoiceID      int64            `json:"invoice_id"`
	Amount         decimal.Decimal  `json:"amount"`
	TenorDays      int              `json:"tenor_days"`
	DiscountRate   decimal.Decimal  `json:"discount_rate"`
	DiscountAmount decimal.Decimal  `json:"discount_amount"`
	AdminFee       decimal.Decimal  `json:"admin_fee"`
	NetAmount      decimal.Decimal  `json:"net_amount"`
	Snapshot       pricing.Snapshot `json:"pricing_snapshot"`
	Status         OfferStatus      `json:"status"`
	IssuedBy       int64            `json:"issued_by"`
	IssuedAt       time.Time        `json:"issued_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	RespondedAt    *time.Time       `json:"responded_at,omitempty"`
	DeclineReason  *string          `json:"decline_reason,omitempty"`
}

// IsValidAt reports whether the offer can still be accepted at now. An offer
// is no longer valid at the exact expiry instant.
func (o Offer) IsValidAt(now time.Time) bool {
	return o.Status == OfferIssued && now.Before(o.ExpiresAt)
}

// Funding is a disbursement against an invoice. A nil FundedAt means the
// funding is queued.
type Funding struct {
	ID        int64           `json:"id"`
	InvoiceID int64           `json:"invoice_id"`
	OfferID   *int64          `json:"offer_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	FundedAt  *time.Time      `json:"funded_at,omitempty"`
	CreatedBy int64           `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// Executed reports whether the funds were disbursed.
func (f Funding) Executed() bool {
	return f.FundedAt != nil
}

// ExpectedRepayment is one scheduled buyer obligation. Amount is the open
// balance and only moves down as allocations land.
type ExpectedRepayment struct {
	ID             int64           `json:"id"`
	InvoiceID      int64           `json:"invoice_id"`
	BuyerID        int64           `json:"buyer_id"`
	InstallmentNo  int             `json:"installment_no"`
	Amount         decimal.Decimal `json:"amount"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	DueDate        time.Time       `json:"due_date"`
	Status         RepaymentStatus `json:"status"`
}

// ReceivedRepayment is money received from a buyer.
type ReceivedRepayment struct {
	ID                int64           `json:"id"`
	BuyerID           int64           `json:"buyer_id"`
	Amount            decimal.Decimal `json:"amount"`
	ReceivedDate      time.Time       `json:"received_date"`
	BankReference     string          `json:"bank_reference"`
	AllocatedAmount   decimal.Decimal `json:"allocated_amount"`
	UnallocatedAmount decimal.Decimal `json:"unallocated_amount"`
	CreatedBy         int64           `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Remaining is the part of the receipt not yet allocated.
func (r ReceivedRepayment) Remaining() decimal.Decimal {
	return r.Amount.Sub(r.AllocatedAmount)
}

// RepaymentAllocation links a receipt to the obligation it paid. Append-only.
type RepaymentAllocation struct {
	ID                  int64           `json:"id"`
	ReceivedRepaymentID int64           `json:"received_repayment_id"`
	ExpectedRepaymentID int64           `json:"expected_repayment_id"`
	Amount              decimal.Decimal `json:"amount"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Supplier is the read-only view of a supplier the core needs.
type Supplier struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	KYBStatus string `json:"kyb_status"`
	IsVIP     bool   `json:"is_vip"`
}

// SubmitInvoiceInput carries a supplier's invoice submission.
type SubmitInvoiceInput struct {
	SupplierID    int64           `json:"supplier_id" validate:"required,gt=0"`
	BuyerID       int64           `json:"buyer_id" validate:"required,gt=0"`
	InvoiceNumber string          `json:"invoice_number" validate:"required,max=64"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"required,currency"`
	DueDate       time.Time       `json:"due_date" validate:"required"`
	DocumentRef   string          `json:"document_ref" validate:"omitempty,max=512"`
	Priority      string          `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

// OCRResult is the outcome of document extraction for an invoice.
type OCRResult struct {
	// Confidence is between 0 and 100.
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
	Failed     bool              `json:"failed"`
	Error      string            `json:"error,omitempty"`
}

// ReviewDecision is a reviewer's verdict.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// ReviewInput carries a review verdict.
type ReviewInput struct {
	Decision ReviewDecision `json:"decision" validate:"required,oneof=approve reject"`
	Notes    string         `json:"notes" validate:"max=2000"`
}

// GradeInputs carries the risk inputs for pricing an offer.
type GradeInputs struct {
	SupplierGrade string          `json:"supplier_grade" validate:"omitempty,max=8"`
	BuyerGrade    string          `json:"buyer_grade" validate:"omitempty,max=8"`
	DefaultRate   decimal.Decimal `json:"default_rate"`
}

// ScheduleInput describes how a funded invoice is repaid.
type ScheduleInput struct {
	Parts        int             `json:"parts" validate:"gte=1,lte=360"`
	IntervalDays int             `json:"interval_days" validate:"gte=0,lte=3650"`
	ExtraPct     decimal.Decimal `json:"extra_pct"`
}

// RecordRepaymentInput carries a buyer payment.
type RecordRepaymentInput struct {
	BuyerID       int64           `json:"buyer_id" validate:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
	ReceivedDate  time.Time       `json:"received_date" validate:"required"`
	BankReference string          `json:"bank_reference" validate:"required,max=128"`
	// AllocateNow runs Allocate right after the receipt commits.
	AllocateNow bool `json:"allocate_now"`
}
