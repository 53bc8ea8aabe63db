package financing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/shared"
)

// memState is the whole data set. Transactions work on a clone and swap it in
// on commit, so a failed closure leaves nothing behind.
type memState struct {
	seq         int64
	suppliers   map[int64]Supplier
	invoices    map[int64]Invoice
	offers      map[int64]Offer
	fundings    map[int64]Funding
	expected    map[int64]ExpectedRepayment
	received    map[int64]ReceivedRepayment
	allocations map[int64]RepaymentAllocation
}

func newMemState() *memState {
	return &memState{
		suppliers:   map[int64]Supplier{},
		invoices:    map[int64]Invoice{},
		offers:      map[int64]Offer{},
		fundings:    map[int64]Funding{},
		expected:    map[int64]ExpectedRepayment{},
		received:    map[int64]ReceivedRepayment{},
		allocations: map[int64]RepaymentAllocation{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		seq:         s.seq,
		suppliers:   cloneMap(s.suppliers),
		invoices:    cloneMap(s.invoices),
		offers:      cloneMap(s.offers),
		fundings:    cloneMap(s.fundings),
		expected:    cloneMap(s.expected),
		received:    cloneMap(s.received),
		allocations: cloneMap(s.allocations),
	}
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

// memRepo serialises transactions with one mutex, which stands in for row
// locks.
type memRepo struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
	// conflicts makes the next n transactions fail with a lock conflict.
	conflicts int
	txCount   int
}

func newMemRepo() *memRepo {
	return &memRepo{state: newMemState(), now: time.Now}
}

func (r *memRepo) addSupplier(s Supplier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.suppliers[s.ID] = s
}

// put stores a fully formed invoice, bypassing intake.
func (r *memRepo) putInvoice(inv Invoice) Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv.ID == 0 {
		inv.ID = r.state.nextID()
	}
	r.state.invoices[inv.ID] = inv
	return inv
}

func (r *memRepo) putOffer(o Offer) Offer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == 0 {
		o.ID = r.state.nextID()
	}
	r.state.offers[o.ID] = o
	return o
}

func (r *memRepo) putExpected(e ExpectedRepayment) ExpectedRepayment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == 0 {
		e.ID = r.state.nextID()
	}
	r.state.expected[e.ID] = e
	return e
}

func (r *memRepo) snapshot() *memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memRepo) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = n
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("%w: could not obtain lock", shared.ErrConflict)
	}
	work := r.state.clone()
	if err := fn(ctx, &memTx{s: work, now: r.now}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memRepo) GetInvoice(_ context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (r *memRepo) GetOffer(_ context.Context, id int64) (Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.offers[id]
	if !ok {
		return Offer{}, ErrOfferNotFound
	}
	return o, nil
}

func (r *memRepo) ListOffers(_ context.Context, invoiceID int64) ([]Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Offer
	for _, o := range r.state.offers {
		if o.InvoiceID == invoiceID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) GetFunding(_ context.Context, id int64) (Funding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.state.fundings[id]
	if !ok {
		return Funding{}, ErrFundingNotFound
	}
	return f, nil
}

func (r *memRepo) ListFundings(_ context.Context, invoiceID int64) ([]Funding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Funding
	for _, f := range r.state.fundings {
		if f.InvoiceID == invoiceID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListExpectedRepayments(_ context.Context, invoiceID int64) ([]ExpectedRepayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return expectedFor(r.state, invoiceID), nil
}

func (r *memRepo) GetReceivedRepayment(_ context.Context, id int64) (ReceivedRepayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.state.received[id]
	if !ok {
		return ReceivedRepayment{}, ErrRepaymentNotFound
	}
	return rec, nil
}

func (r *memRepo) ListAllocations(_ context.Context, receivedID int64) ([]RepaymentAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RepaymentAllocation
	for _, a := range r.state.allocations {
		if a.ReceivedRepaymentID == receivedID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListUnallocatedRepayments(_ context.Context, limit int) ([]ReceivedRepayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReceivedRepayment
	for _, rec := range r.state.received {
		if rec.UnallocatedAmount.IsPositive() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func expectedFor(s *memState, invoiceID int64) []ExpectedRepayment {
	var out []ExpectedRepayment
	for _, e := range s.expected {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallmentNo < out[j].InstallmentNo })
	return out
}

type memTx struct {
	s   *memState
	now func() time.Time
}

func (t *memTx) GetSupplier(_ context.Context, id int64) (Supplier, error) {
	s, ok := t.s.suppliers[id]
	if !ok {
		return Supplier{}, ErrSupplierNotFound
	}
	return s, nil
}

func (t *memTx) HasDuplicate(_ context.Context, buyerID int64, number string, low, high decimal.Decimal) (bool, error) {
	for _, inv := range t.s.invoices {
		if inv.IsDeleted() || inv.BuyerID != buyerID || inv.InvoiceNumber != number {
			continue
		}
		if inv.Amount.GreaterThanOrEqual(low) && inv.Amount.LessThanOrEqual(high) {
			return true, nil
		}
	}
	return false, nil
}

// checkAmount mirrors the schema's CHECK constraints on money columns.
func checkAmount(table string, amount decimal.Decimal, allowZero bool) error {
	if amount.IsNegative() || (!allowZero && amount.IsZero()) {
		return fmt.Errorf("%s: check constraint violated: amount %s", table, amount)
	}
	return nil
}

func (t *memTx) CreateInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	if err := checkAmount("invoices", inv.Amount, false); err != nil {
		return Invoice{}, err
	}
	inv.ID = t.s.nextID()
	inv.CreatedAt = t.now()
	inv.UpdatedAt = inv.CreatedAt
	t.s.invoices[inv.ID] = inv
	return inv, nil
}

func (t *memTx) LockInvoice(_ context.Context, id int64) (Invoice, error) {
	inv, ok := t.s.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (t *memTx) UpdateInvoice(_ context.Context, inv Invoice) error {
	if _, ok := t.s.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	inv.UpdatedAt = t.now()
	t.s.invoices[inv.ID] = inv
	return nil
}

func (t *memTx) CountSupplierDeclines(_ context.Context, supplierID int64) (int, error) {
	var n int
	for _, o := range t.s.offers {
		if o.Status == OfferDeclined && t.s.invoices[o.InvoiceID].SupplierID == supplierID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountInvoiceOffers(_ context.Context, invoiceID int64) (int, error) {
	var n int
	for _, o := range t.s.offers {
		if o.InvoiceID == invoiceID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CreateOffer(_ context.Context, o Offer) (Offer, error) {
	if err := checkAmount("offers", o.NetAmount, false); err != nil {
		return Offer{}, err
	}
	o.ID = t.s.nextID()
	t.s.offers[o.ID] = o
	return o, nil
}

func (t *memTx) LockOffer(_ context.Context, id int64) (Offer, error) {
	o, ok := t.s.offers[id]
	if !ok {
		return Offer{}, ErrOfferNotFound
	}
	return o, nil
}

func (t *memTx) UpdateOffer(_ context.Context, o Offer) error {
	current, ok := t.s.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	current.Status = o.Status
	current.RespondedAt = o.RespondedAt
	current.DeclineReason = o.DeclineReason
	t.s.offers[o.ID] = current
	return nil
}

func (t *memTx) ExpireOffers(_ context.Context, now time.Time) (int, error) {
	var n int
	for id, o := range t.s.offers {
		if o.Status == OfferIssued && o.ExpiresAt.Before(now) {
			o.Status = OfferExpired
			t.s.offers[id] = o
			n++
		}
	}
	return n, nil
}

func (t *memTx) CreateFunding(_ context.Context, f Funding) (Funding, error) {
	if err := checkAmount("fundings", f.Amount, false); err != nil {
		return Funding{}, err
	}
	f.ID = t.s.nextID()
	f.CreatedAt = t.now()
	t.s.fundings[f.ID] = f
	return f, nil
}

func (t *memTx) LockFunding(_ context.Context, id int64) (Funding, error) {
	f, ok := t.s.fundings[id]
	if !ok {
		return Funding{}, ErrFundingNotFound
	}
	return f, nil
}

func (t *memTx) MarkFundingExecuted(_ context.Context, id int64, at time.Time) error {
	f, ok := t.s.fundings[id]
	if !ok {
		return ErrFundingNotFound
	}
	if f.FundedAt == nil {
		f.FundedAt = &at
		t.s.fundings[id] = f
	}
	return nil
}

func (t *memTx) ListExpectedForInvoice(_ context.Context, invoiceID int64) ([]ExpectedRepayment, error) {
	return expectedFor(t.s, invoiceID), nil
}

func (t *memTx) CountAllocationsForInvoice(_ context.Context, invoiceID int64) (int, error) {
	var n int
	for _, a := range t.s.allocations {
		if t.s.expected[a.ExpectedRepaymentID].InvoiceID == invoiceID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteExpectedForInvoice(_ context.Context, invoiceID int64) error {
	for id, e := range t.s.expected {
		if e.InvoiceID == invoiceID {
			delete(t.s.expected, id)
		}
	}
	return nil
}

func (t *memTx) CreateExpected(_ context.Context, e ExpectedRepayment) (ExpectedRepayment, error) {
	if err := checkAmount("expected_repayments", e.Amount, true); err != nil {
		return ExpectedRepayment{}, err
	}
	e.ID = t.s.nextID()
	t.s.expected[e.ID] = e
	return e, nil
}

func (t *memTx) CountUnsettledForInvoice(_ context.Context, invoiceID int64) (int, error) {
	var n int
	for _, e := range t.s.expected {
		if e.InvoiceID == invoiceID && e.Status != RepaymentSettled {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CreateReceived(_ context.Context, r ReceivedRepayment) (ReceivedRepayment, error) {
	if err := checkAmount("received_repayments", r.Amount, false); err != nil {
		return ReceivedRepayment{}, err
	}
	for _, existing := range t.s.received {
		if existing.BuyerID == r.BuyerID && existing.BankReference == r.BankReference {
			return ReceivedRepayment{}, ErrDuplicateBankReference
		}
	}
	r.ID = t.s.nextID()
	r.CreatedAt = t.now()
	t.s.received[r.ID] = r
	return r, nil
}

func (t *memTx) LockReceived(_ context.Context, id int64) (ReceivedRepayment, error) {
	r, ok := t.s.received[id]
	if !ok {
		return ReceivedRepayment{}, ErrRepaymentNotFound
	}
	return r, nil
}

func (t *memTx) LockOutstandingForBuyer(_ context.Context, buyerID int64) ([]ExpectedRepayment, error) {
	var out []ExpectedRepayment
	for _, e := range t.s.expected {
		if e.BuyerID == buyerID && e.Status.IsOutstanding() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateExpected(_ context.Context, e ExpectedRepayment) error {
	current, ok := t.s.expected[e.ID]
	if !ok {
		return fmt.Errorf("%w: expected repayment", shared.ErrNotFound)
	}
	if err := checkAmount("expected_repayments", e.Amount, true); err != nil {
		return err
	}
	current.Amount = e.Amount
	current.Status = e.Status
	t.s.expected[e.ID] = current
	return nil
}

func (t *memTx) CreateAllocation(_ context.Context, a RepaymentAllocation) (RepaymentAllocation, error) {
	if err := checkAmount("repayment_allocations", a.Amount, false); err != nil {
		return RepaymentAllocation{}, err
	}
	a.ID = t.s.nextID()
	a.CreatedAt = t.now()
	t.s.allocations[a.ID] = a
	return a, nil
}

func (t *memTx) UpdateReceivedAllocation(_ context.Context, r ReceivedRepayment) error {
	current, ok := t.s.received[r.ID]
	if !ok {
		return ErrRepaymentNotFound
	}
	current.AllocatedAmount = r.AllocatedAmount
	current.UnallocatedAmount = r.UnallocatedAmount
	t.s.received[r.ID] = current
	return nil
}
