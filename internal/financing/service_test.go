package financing

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradefin/tradefin/internal/dispatch"
	"github.com/tradefin/tradefin/internal/pricing"
	"github.com/tradefin/tradefin/internal/shared"
)

var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

var testActor = shared.ActorContext{ActorID: 7, IP: "10.0.0.1", RequestID: "req-1"}

const (
	supplierStd     int64 = 1
	supplierVIP     int64 = 2
	supplierPending int64 = 3
	buyerMain       int64 = 10
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func daysFromNow(n int) time.Time {
	return dateOnly(testNow).AddDate(0, 0, n)
}

type stubGate struct {
	approved map[int64]bool
	err      error
}

func (g *stubGate) IsApproved(_ context.Context, supplierID int64) (bool, error) {
	return g.approved[supplierID], g.err
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ shared.ActorContext, events []dispatch.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
}

func (d *recordingDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev.Name)
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = nil
}

type countingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	allocations int
	conflicts   int
}

func (m *countingMetrics) ObserveOfferTransition(status string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[status] += n
}

func (m *countingMetrics) ObserveAllocation(count int, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations += count
}

func (m *countingMetrics) ObserveAllocationConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

type fixture struct {
	repo    *memRepo
	gate    *stubGate
	events  *recordingDispatcher
	metrics *countingMetrics
	svc     *Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		gate:    &stubGate{approved: map[int64]bool{supplierStd: true, supplierVIP: true}},
		events:  &recordingDispatcher{},
		metrics: &countingMetrics{transitions: map[string]int{}},
		now:     testNow,
	}
	f.repo.now = func() time.Time { return f.now }
	f.repo.addSupplier(Supplier{ID: supplierStd, Name: "Acme Components", KYBStatus: "approved"})
	f.repo.addSupplier(Supplier{ID: supplierVIP, Name: "Prime Textiles", KYBStatus: "approved", IsVIP: true})
	f.repo.addSupplier(Supplier{ID: supplierPending, Name: "New Co", KYBStatus: "pending"})

	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.repo, f.gate, nil, pricing.NewEngine(dec("50")), f.events, cfg, logger)
	f.svc.SetClock(func() time.Time { return f.now })
	f.svc.SetMetrics(f.metrics)
	return f
}

func (f *fixture) submitInput(number, amount string) SubmitInvoiceInput {
	return SubmitInvoiceInput{
		SupplierID:    supplierStd,
		BuyerID:       buyerMain,
		InvoiceNumber: number,
		Amount:        dec(amount),
		Currency:      "USD",
		DueDate:       daysFromNow(60),
	}
}

// invoiceIn stores an invoice directly in the given status.
func (f *fixture) invoiceIn(status InvoiceStatus, supplierID int64, amount string) Invoice {
	return f.repo.putInvoice(Invoice{
		SupplierID:    supplierID,
		BuyerID:       buyerMain,
		InvoiceNumber: "INV-" + amount,
		Amount:        dec(amount),
		Currency:      "USD",
		DueDate:       daysFromNow(60),
		Status:        status,
		Priority:      PriorityNormal,
		FundedAmount:  decimal.Zero,
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 48*time.Hour, cfg.OfferTTL)
	require.Equal(t, 72*time.Hour, cfg.VIPOfferTTL)
	require.Equal(t, 3, cfg.MaxAllocationAttempts)
	require.True(t, cfg.DefaultExtraPct.IsZero())
}

func TestNewServiceFillsDefaults(t *testing.T) {
	svc := NewService(newMemRepo(), nil, nil, pricing.NewEngine(decimal.Zero), nil, Config{RetryBackoff: -time.Second}, nil)
	require.Equal(t, 48*time.Hour, svc.cfg.OfferTTL)
	require.Equal(t, 72*time.Hour, svc.cfg.VIPOfferTTL)
	require.Equal(t, 3, svc.cfg.MaxAllocationAttempts)
	require.Zero(t, svc.cfg.RetryBackoff)
}

func TestInvoiceStatusTransitions(t *testing.T) {
	require.True(t, InvoiceDraft.CanTransitionTo(InvoiceUnderReview))
	require.True(t, InvoiceApproved.CanTransitionTo(InvoicePendingFunding))
	require.True(t, InvoicePendingFunding.CanTransitionTo(InvoiceFunded))
	require.True(t, InvoiceFunded.CanTransitionTo(InvoiceRepaid))
	require.True(t, InvoiceFunded.CanTransitionTo(InvoiceWrittenOff))

	require.False(t, InvoiceDraft.CanTransitionTo(InvoiceFunded))
	require.False(t, InvoiceRejected.CanTransitionTo(InvoiceApproved))
	require.False(t, InvoiceRepaid.CanTransitionTo(InvoiceFunded))
	require.False(t, InvoiceWrittenOff.CanTransitionTo(InvoiceRepaid))

	require.True(t, InvoiceUnderReview.CanReceiveOffer())
	require.True(t, InvoiceApproved.CanReceiveOffer())
	require.False(t, InvoiceDraft.CanReceiveOffer())
	require.False(t, InvoicePendingFunding.CanReceiveOffer())

	require.False(t, InvoiceStatus("paid").IsValid())
}

func TestOfferStatusIsTerminalAfterIssue(t *testing.T) {
	for _, next := range []OfferStatus{OfferAccepted, OfferDeclined, OfferExpired} {
		require.True(t, OfferIssued.CanTransitionTo(next))
		require.True(t, next.IsTerminal())
		for _, again := range []OfferStatus{OfferIssued, OfferAccepted, OfferDeclined, OfferExpired} {
			require.False(t, next.CanTransitionTo(again))
		}
	}
}
