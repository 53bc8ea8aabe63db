package financing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/platform/db"
)

type pgTxRepository struct {
	q querier
}

func (t *pgTxRepository) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	var s Supplier
	err := t.q.QueryRow(ctx, `SELECT id, name, kyb_status, is_vip FROM suppliers WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.KYBStatus, &s.IsVIP)
	if errors.Is(err, pgx.ErrNoRows) {
		return Supplier{}, ErrSupplierNotFound
	}
	return s, err
}

// HasDuplicate looks for a live invoice with the same buyer and number whose
// amount lies in [low, high].
func (t *pgTxRepository) HasDuplicate(ctx context.Context, buyerID int64, invoiceNumber string, low, high decimal.Decimal) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM invoices
	WHERE buyer_id = $1 AND invoice_number = $2 AND deleted_at IS NULL
	  AND amount BETWEEN $3 AND $4
)`, buyerID, invoiceNumber, low, high).Scan(&exists)
	return exists, err
}

func (t *pgTxRepository) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO invoices (
	supplier_id, buyer_id, invoice_number, amount, currency, due_date, status, priority,
	is_duplicate_flag, document_ref, created_by
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING `+invoiceColumns,
		inv.SupplierID, inv.BuyerID, inv.InvoiceNumber, inv.Amount, inv.Currency, inv.DueDate,
		string(inv.Status), inv.Priority, inv.IsDuplicateFlag, inv.DocumentRef, inv.CreatedBy,
	)
	return scanInvoice(row)
}

func (t *pgTxRepository) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, t.q, id, true)
}

// UpdateInvoice persists every mutable column of inv.
func (t *pgTxRepository) UpdateInvoice(ctx context.Context, inv Invoice) error {
	var ocr []byte
	if len(inv.OCRData) > 0 {
		ocr = inv.OCRData
	}
	tag, err := t.q.Exec(ctx, `UPDATE invoices SET
	status = $2, priority = $3, assigned_to = $4, reviewed_by = $5, reviewed_at = $6,
	review_notes = $7, ocr_confidence = $8, ocr_data = $9, funded_amount = $10,
	funded_date = $11, written_off_at = $12, deleted_at = $13, updated_at = NOW()
WHERE id = $1`,
		inv.ID, string(inv.Status), inv.Priority, inv.AssignedTo, inv.ReviewedBy, inv.ReviewedAt,
		inv.ReviewNotes, inv.OCRConfidence, ocr, inv.FundedAmount,
		inv.FundedDate, inv.WrittenOffAt, inv.DeletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTxRepository) CountSupplierDeclines(ctx context.Context, supplierID int64) (int, error) {
	var count int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*)
FROM offers o
JOIN invoices i ON i.id = o.invoice_id
WHERE i.supplier_id = $1 AND o.status = 'declined'`, supplierID).Scan(&count)
	return count, err
}

func (t *pgTxRepository) CountInvoiceOffers(ctx context.Context, invoiceID int64) (int, error) {
	var count int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM offers WHERE invoice_id = $1`, invoiceID).Scan(&count)
	return count, err
}

func (t *pgTxRepository) CreateOffer(ctx context.Context, offer Offer) (Offer, error) {
	snapshot, err := json.Marshal(offer.Snapshot)
	if err != nil {
		return Offer{}, fmt.Errorf("encode pricing snapshot: %w", err)
	}
	row := t.q.QueryRow(ctx, `INSERT INTO offers (
	invoice_id, amount, tenor_days, discount_rate, discount_amount, admin_fee, net_amount,
	pricing_snapshot, status, issued_by, issued_at, expires_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING `+offerColumns,
		offer.InvoiceID, offer.Amount, offer.TenorDays, offer.DiscountRate, offer.DiscountAmount,
		offer.AdminFee, offer.NetAmount, snapshot, string(offer.Status), offer.IssuedBy,
		offer.IssuedAt, offer.ExpiresAt,
	)
	return scanOffer(row)
}

func (t *pgTxRepository) LockOffer(ctx context.Context, id int64) (Offer, error) {
	return getOffer(ctx, t.q, id, true)
}

// UpdateOffer records a response. Pricing columns are never rewritten.
func (t *pgTxRepository) UpdateOffer(ctx context.Context, offer Offer) error {
	tag, err := t.q.Exec(ctx, `UPDATE offers SET status = $2, responded_at = $3, decline_reason = $4 WHERE id = $1`,
		offer.ID, string(offer.Status), offer.RespondedAt, offer.DeclineReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (t *pgTxRepository) ExpireOffers(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.q.Exec(ctx, `UPDATE offers SET status = 'expired' WHERE status = 'issued' AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTxRepository) CreateFunding(ctx context.Context, f Funding) (Funding, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO fundings (invoice_id, offer_id, amount, funded_at, created_by)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+fundingColumns, f.InvoiceID, f.OfferID, f.Amount, f.FundedAt, f.CreatedBy)
	return scanFunding(row)
}

func (t *pgTxRepository) LockFunding(ctx context.Context, id int64) (Funding, error) {
	return getFunding(ctx, t.q, id, true)
}

func (t *pgTxRepository) MarkFundingExecuted(ctx context.Context, id int64, at time.Time) error {
	_, err := t.q.Exec(ctx, `UPDATE fundings SET funded_at = $2 WHERE id = $1 AND funded_at IS NULL`, id, at)
	return err
}

func (t *pgTxRepository) ListExpectedForInvoice(ctx context.Context, invoiceID int64) ([]ExpectedRepayment, error) {
	return listExpectedForInvoice(ctx, t.q, invoiceID)
}

func (t *pgTxRepository) CountAllocationsForInvoice(ctx context.Context, invoiceID int64) (int, error) {
	var count int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*)
FROM repayment_allocations a
JOIN expected_repayments e ON e.id = a.expected_repayment_id
WHERE e.invoice_id = $1`, invoiceID).Scan(&count)
	return count, err
}

func (t *pgTxRepository) DeleteExpectedForInvoice(ctx context.Context, invoiceID int64) error {
	_, err := t.q.Exec(ctx, `DELETE FROM expected_repayments WHERE invoice_id = $1`, invoiceID)
	return err
}

func (t *pgTxRepository) CreateExpected(ctx context.Context, e ExpectedRepayment) (ExpectedRepayment, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO expected_repayments (
	invoice_id, buyer_id, installment_no, amount, original_amount, due_date, status
) VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+expectedColumns,
		e.InvoiceID, e.BuyerID, e.InstallmentNo, e.Amount, e.OriginalAmount, e.DueDate, string(e.Status))
	return scanExpected(row)
}

func (t *pgTxRepository) CountUnsettledForInvoice(ctx context.Context, invoiceID int64) (int, error) {
	var count int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM expected_repayments
WHERE invoice_id = $1 AND status <> 'settled'`, invoiceID).Scan(&count)
	return count, err
}

func (t *pgTxRepository) CreateReceived(ctx context.Context, r ReceivedRepayment) (ReceivedRepayment, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO received_repayments (
	buyer_id, amount, received_date, bank_reference, allocated_amount, unallocated_amount, created_by
) VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+receivedColumns,
		r.BuyerID, r.Amount, r.ReceivedDate, r.BankReference, r.AllocatedAmount, r.UnallocatedAmount, r.CreatedBy)
	created, err := scanReceived(row)
	if db.IsUniqueViolation(err) {
		return ReceivedRepayment{}, ErrDuplicateBankReference
	}
	return created, err
}

func (t *pgTxRepository) LockReceived(ctx context.Context, id int64) (ReceivedRepayment, error) {
	return getReceived(ctx, t.q, id, true)
}

// LockOutstandingForBuyer locks the buyer's open and partial obligations,
// oldest due date first.
func (t *pgTxRepository) LockOutstandingForBuyer(ctx context.Context, buyerID int64) ([]ExpectedRepayment, error) {
	rows, err := t.q.Query(ctx, `SELECT `+expectedColumns+`
FROM expected_repayments
WHERE buyer_id = $1 AND status IN ('open', 'partial')
ORDER BY due_date, id
FOR UPDATE`, buyerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanExpected)
}

func (t *pgTxRepository) UpdateExpected(ctx context.Context, e ExpectedRepayment) error {
	_, err := t.q.Exec(ctx, `UPDATE expected_repayments SET amount = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		e.ID, e.Amount, string(e.Status))
	return err
}

func (t *pgTxRepository) CreateAllocation(ctx context.Context, a RepaymentAllocation) (RepaymentAllocation, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO repayment_allocations (received_repayment_id, expected_repayment_id, amount)
VALUES ($1, $2, $3)
RETURNING `+allocationColumns, a.ReceivedRepaymentID, a.ExpectedRepaymentID, a.Amount)
	return scanAllocation(row)
}

func (t *pgTxRepository) UpdateReceivedAllocation(ctx context.Context, r ReceivedRepayment) error {
	_, err := t.q.Exec(ctx, `UPDATE received_repayments
SET allocated_amount = $2, unallocated_amount = $3, updated_at = NOW()
WHERE id = $1`, r.ID, r.AllocatedAmount, r.UnallocatedAmount)
	return err
}
