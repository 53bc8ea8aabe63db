package financing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/platform/db"
	"github.com/tradefin/tradefin/internal/shared"
)

// Repository defines read access and the unit of work for financing data.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	GetOffer(ctx context.Context, id int64) (Offer, error)
	ListOffers(ctx context.Context, invoiceID int64) ([]Offer, error)
	GetFunding(ctx context.Context, id int64) (Funding, error)
	ListFundings(ctx context.Context, invoiceID int64) ([]Funding, error)
	ListExpectedRepayments(ctx context.Context, invoiceID int64) ([]ExpectedRepayment, error)
	GetReceivedRepayment(ctx context.Context, id int64) (ReceivedRepayment, error)
	ListAllocations(ctx context.Context, receivedID int64) ([]RepaymentAllocation, error)
	ListUnallocatedRepayments(ctx context.Context, limit int) ([]ReceivedRepayment, error)
}

// TxRepository exposes the reads and writes used inside one transaction.
// Lock* methods take row locks held until commit.
type TxRepository interface {
	GetSupplier(ctx context.Context, id int64) (Supplier, error)

	HasDuplicate(ctx context.Context, buyerID int64, invoiceNumber string, low, high decimal.Decimal) (bool, error)
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error

	CountSupplierDeclines(ctx context.Context, supplierID int64) (int, error)
	CountInvoiceOffers(ctx context.Context, invoiceID int64) (int, error)
	CreateOffer(ctx context.Context, offer Offer) (Offer, error)
	LockOffer(ctx context.Context, id int64) (Offer, error)
	UpdateOffer(ctx context.Context, offer Offer) error
	ExpireOffers(ctx context.Context, now time.Time) (int, error)

	CreateFunding(ctx context.Context, f Funding) (Funding, error)
	LockFunding(ctx context.Context, id int64) (Funding, error)
	MarkFundingExecuted(ctx context.Context, id int64, at time.Time) error

	ListExpectedForInvoice(ctx context.Context, invoiceID int64) ([]ExpectedRepayment, error)
	CountAllocationsForInvoice(ctx context.Context, invoiceID int64) (int, error)
	DeleteExpectedForInvoice(ctx context.Context, invoiceID int64) error
	CreateExpected(ctx context.Context, e ExpectedRepayment) (ExpectedRepayment, error)
	CountUnsettledForInvoice(ctx context.Context, invoiceID int64) (int, error)

	CreateReceived(ctx context.Context, r ReceivedRepayment) (ReceivedRepayment, error)
	LockReceived(ctx context.Context, id int64) (ReceivedRepayment, error)
	LockOutstandingForBuyer(ctx context.Context, buyerID int64) ([]ExpectedRepayment, error)
	UpdateExpected(ctx context.Context, e ExpectedRepayment) error
	CreateAllocation(ctx context.Context, a RepaymentAllocation) (RepaymentAllocation, error)
	UpdateReceivedAllocation(ctx context.Context, r ReceivedRepayment) error
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx runs fn in a repeatable-read transaction. Serialization failures,
// deadlocks and lock misses surface as shared.ErrConflict.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
	return classify(err)
}

func classify(err error) error {
	if err == nil || errors.Is(err, shared.ErrConflict) {
		return err
	}
	if db.IsContention(err) {
		return fmt.Errorf("%w: %w", shared.ErrConflict, err)
	}
	return err
}

const invoiceColumns = `id, supplier_id, buyer_id, invoice_number, amount, currency, due_date, status,
	priority, assigned_to, reviewed_by, reviewed_at, review_notes, is_duplicate_flag, document_ref,
	ocr_confidence, ocr_data, funded_amount, funded_date, written_off_at, deleted_at, created_by,
	created_at, updated_at`

const offerColumns = `id, invoice_id, amount, tenor_days, discount_rate, discount_amount, admin_fee,
	net_amount, pricing_snapshot, status, issued_by, issued_at, expires_at, responded_at, decline_reason`

const fundingColumns = `id, invoice_id, offer_id, amount, funded_at, created_by, created_at`

const expectedColumns = `id, invoice_id, buyer_id, installment_no, amount, original_amount, due_date, status`

const receivedColumns = `id, buyer_id, amount, received_date, bank_reference, allocated_amount,
	unallocated_amount, created_by, created_at`

const allocationColumns = `id, received_repayment_id, expected_repayment_id, amount, created_at`

func (r *pgRepository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

func (r *pgRepository) GetOffer(ctx context.Context, id int64) (Offer, error) {
	return getOffer(ctx, r.pool, id, false)
}

func (r *pgRepository) ListOffers(ctx context.Context, invoiceID int64) ([]Offer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+offerColumns+` FROM offers WHERE invoice_id = $1 ORDER BY issued_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOffer)
}

func (r *pgRepository) GetFunding(ctx context.Context, id int64) (Funding, error) {
	return getFunding(ctx, r.pool, id, false)
}

func (r *pgRepository) ListFundings(ctx context.Context, invoiceID int64) ([]Funding, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+fundingColumns+` FROM fundings WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanFunding)
}

func (r *pgRepository) ListExpectedRepayments(ctx context.Context, invoiceID int64) ([]ExpectedRepayment, error) {
	return listExpectedForInvoice(ctx, r.pool, invoiceID)
}

func (r *pgRepository) GetReceivedRepayment(ctx context.Context, id int64) (ReceivedRepayment, error) {
	return getReceived(ctx, r.pool, id, false)
}

func (r *pgRepository) ListAllocations(ctx context.Context, receivedID int64) ([]RepaymentAllocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+allocationColumns+`
FROM repayment_allocations WHERE received_repayment_id = $1 ORDER BY id`, receivedID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAllocation)
}

func (r *pgRepository) ListUnallocatedRepayments(ctx context.Context, limit int) ([]ReceivedRepayment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+receivedColumns+`
FROM received_repayments WHERE unallocated_amount > 0 ORDER BY received_date, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanReceived)
}

func getInvoice(ctx context.Context, q querier, id int64, lock bool) (Invoice, error) {
	inv, err := scanInvoice(q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`+forUpdate(lock), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, err
}

func getOffer(ctx context.Context, q querier, id int64, lock bool) (Offer, error) {
	offer, err := scanOffer(q.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`+forUpdate(lock), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, ErrOfferNotFound
	}
	return offer, err
}

func getFunding(ctx context.Context, q querier, id int64, lock bool) (Funding, error) {
	f, err := scanFunding(q.QueryRow(ctx, `SELECT `+fundingColumns+` FROM fundings WHERE id = $1`+forUpdate(lock), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Funding{}, ErrFundingNotFound
	}
	return f, err
}

func getReceived(ctx context.Context, q querier, id int64, lock bool) (ReceivedRepayment, error) {
	rec, err := scanReceived(q.QueryRow(ctx, `SELECT `+receivedColumns+` FROM received_repayments WHERE id = $1`+forUpdate(lock), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ReceivedRepayment{}, ErrRepaymentNotFound
	}
	return rec, err
}

func listExpectedForInvoice(ctx context.Context, q querier, invoiceID int64) ([]ExpectedRepayment, error) {
	rows, err := q.Query(ctx, `SELECT `+expectedColumns+`
FROM expected_repayments WHERE invoice_id = $1 ORDER BY installment_no, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanExpected)
}

func forUpdate(lock bool) string {
	if lock {
		return ` FOR UPDATE`
	}
	return ""
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv    Invoice
		status string
		ocr    []byte
	)
	err := row.Scan(
		&inv.ID, &inv.SupplierID, &inv.BuyerID, &inv.InvoiceNumber, &inv.Amount, &inv.Currency,
		&inv.DueDate, &status, &inv.Priority, &inv.AssignedTo, &inv.ReviewedBy, &inv.ReviewedAt,
		&inv.ReviewNotes, &inv.IsDuplicateFlag, &inv.DocumentRef, &inv.OCRConfidence, &ocr,
		&inv.FundedAmount, &inv.FundedDate, &inv.WrittenOffAt, &inv.DeletedAt, &inv.CreatedBy,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = InvoiceStatus(status)
	if len(ocr) > 0 {
		inv.OCRData = json.RawMessage(ocr)
	}
	return inv, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var (
		offer    Offer
		status   string
		snapshot []byte
	)
	err := row.Scan(
		&offer.ID, &offer.InvoiceID, &offer.Amount, &offer.TenorDays, &offer.DiscountRate,
		&offer.DiscountAmount, &offer.AdminFee, &offer.NetAmount, &snapshot, &status,
		&offer.IssuedBy, &offer.IssuedAt, &offer.ExpiresAt, &offer.RespondedAt, &offer.DeclineReason,
	)
	if err != nil {
		return Offer{}, err
	}
	offer.Status = OfferStatus(status)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &offer.Snapshot); err != nil {
			return Offer{}, fmt.Errorf("decode pricing snapshot for offer %d: %w", offer.ID, err)
		}
	}
	return offer, nil
}

func scanFunding(row pgx.Row) (Funding, error) {
	var f Funding
	err := row.Scan(&f.ID, &f.InvoiceID, &f.OfferID, &f.Amount, &f.FundedAt, &f.CreatedBy, &f.CreatedAt)
	return f, err
}

func scanExpected(row pgx.Row) (ExpectedRepayment, error) {
	var (
		e      ExpectedRepayment
		status string
	)
	err := row.Scan(&e.ID, &e.InvoiceID, &e.BuyerID, &e.InstallmentNo, &e.Amount, &e.OriginalAmount, &e.DueDate, &status)
	e.Status = RepaymentStatus(status)
	return e, err
}

func scanReceived(row pgx.Row) (ReceivedRepayment, error) {
	var r ReceivedRepayment
	err := row.Scan(&r.ID, &r.BuyerID, &r.Amount, &r.ReceivedDate, &r.BankReference,
		&r.AllocatedAmount, &r.UnallocatedAmount, &r.CreatedBy, &r.CreatedAt)
	return r, err
}

func scanAllocation(row pgx.Row) (RepaymentAllocation, error) {
	var a RepaymentAllocation
	err := row.Scan(&a.ID, &a.ReceivedRepaymentID, &a.ExpectedRepaymentID, &a.Amount, &a.CreatedAt)
	return a, err
}
