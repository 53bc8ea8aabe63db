package financing

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradefin/tradefin/internal/shared"
)

func obligation(id int64, amount string, dueDays int) ExpectedRepayment {
	return ExpectedRepayment{
		ID:             id,
		InvoiceID:      100 + id,
		BuyerID:        buyerMain,
		Amount:         dec(amount),
		OriginalAmount: dec(amount),
		DueDate:        daysFromNow(dueDays),
		Status:         RepaymentOpen,
	}
}

func TestWaterfallOldestFirst(t *testing.T) {
	expected := []ExpectedRepayment{
		obligation(3, "1000", 90),
		obligation(1, "400", 30),
		obligation(2, "600", 60),
	}
	result := Waterfall(dec("900"), expected)
	require.Len(t, result.Steps, 2)

	require.Equal(t, int64(1), result.Steps[0].ExpectedID)
	require.True(t, result.Steps[0].Take.Equal(dec("400")))
	require.True(t, result.Steps[0].Balance.IsZero())
	require.Equal(t, RepaymentSettled, result.Steps[0].Status)

	require.Equal(t, int64(2), result.Steps[1].ExpectedID)
	require.True(t, result.Steps[1].Take.Equal(dec("500")))
	require.True(t, result.Steps[1].Balance.Equal(dec("100")))
	require.Equal(t, RepaymentPartial, result.Steps[1].Status)

	require.True(t, result.Unallocated.IsZero())
	require.True(t, result.Allocated().Equal(dec("900")))
}

func TestWaterfallTiesBreakOnID(t *testing.T) {
	result := Waterfall(dec("50"), []ExpectedRepayment{obligation(9, "100", 30), obligation(4, "100", 30)})
	require.Len(t, result.Steps, 1)
	require.Equal(t, int64(4), result.Steps[0].ExpectedID)
}

func TestWaterfallOverpaymentAndSkips(t *testing.T) {
	settled := obligation(5, "300", 10)
	settled.Status = RepaymentSettled
	partial := obligation(6, "250", 20)
	partial.Status = RepaymentPartial

	result := Waterfall(dec("1000"), []ExpectedRepayment{settled, partial, obligation(7, "400", 40)})
	require.Len(t, result.Steps, 2)
	require.Equal(t, int64(6), result.Steps[0].ExpectedID)
	require.True(t, result.Unallocated.Equal(dec("350")))

	empty := Waterfall(dec("10"), nil)
	require.Empty(t, empty.Steps)
	require.True(t, empty.Unallocated.Equal(dec("10")))
}

func TestWaterfallConservesAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 500; i++ {
		var expected []ExpectedRepayment
		n := rng.Intn(6)
		for j := 0; j < n; j++ {
			cents := decimal.NewFromInt(rng.Int63n(100_000) + 1).Shift(-2)
			e := obligation(int64(j+1), cents.String(), rng.Intn(120))
			expected = append(expected, e)
		}
		amount := decimal.NewFromInt(rng.Int63n(200_000) + 1).Shift(-2)
		result := Waterfall(amount, expected)

		require.True(t, result.Allocated().Add(result.Unallocated).Equal(amount))
		require.False(t, result.Unallocated.IsNegative())
		byID := map[int64]ExpectedRepayment{}
		for _, e := range expected {
			byID[e.ID] = e
		}
		for _, step := range result.Steps {
			require.True(t, step.Take.IsPositive())
			require.True(t, step.Take.LessThanOrEqual(byID[step.ExpectedID].Amount))
			require.False(t, step.Balance.IsNegative())
		}
	}
}

// scheduleFor stores a funded invoice with one open installment per amount.
func scheduleFor(f *fixture, buyerID int64, amounts ...string) (Invoice, []ExpectedRepayment) {
	inv := f.invoiceIn(InvoiceFunded, supplierStd, "2000")
	inv.BuyerID = buyerID
	inv = f.repo.putInvoice(inv)
	rows := make([]ExpectedRepayment, 0, len(amounts))
	for i, amount := range amounts {
		rows = append(rows, f.repo.putExpected(ExpectedRepayment{
			InvoiceID:      inv.ID,
			BuyerID:        buyerID,
			InstallmentNo:  i + 1,
			Amount:         dec(amount),
			OriginalAmount: dec(amount),
			DueDate:        daysFromNow(30 * (i + 1)),
			Status:         RepaymentOpen,
		}))
	}
	return inv, rows
}

func receive(t *testing.T, f *fixture, buyerID int64, amount, ref string) ReceivedRepayment {
	t.Helper()
	rec, err := f.svc.RecordReceivedRepayment(context.Background(), testActor, RecordRepaymentInput{
		BuyerID:       buyerID,
		Amount:        dec(amount),
		ReceivedDate:  testNow,
		BankReference: ref,
	})
	require.NoError(t, err)
	return rec
}

func TestAllocateReferenceScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv, rows := scheduleFor(f, buyerMain, "400", "600", "1000")
	rec := receive(t, f, buyerMain, "900", "BANK-001")
	require.True(t, rec.UnallocatedAmount.Equal(dec("900")))

	allocations, err := f.svc.Allocate(ctx, testActor, rec.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	require.Equal(t, rows[0].ID, allocations[0].ExpectedRepaymentID)
	require.True(t, allocations[0].Amount.Equal(dec("400")))
	require.Equal(t, rows[1].ID, allocations[1].ExpectedRepaymentID)
	require.True(t, allocations[1].Amount.Equal(dec("500")))

	schedule, err := f.svc.GetRepaymentSchedule(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, RepaymentSettled, schedule[0].Status)
	require.True(t, schedule[0].Amount.IsZero())
	require.Equal(t, RepaymentPartial, schedule[1].Status)
	require.True(t, schedule[1].Amount.Equal(dec("100")))
	require.Equal(t, RepaymentOpen, schedule[2].Status)
	require.True(t, schedule[2].Amount.Equal(dec("1000")))

	stored, err := f.svc.GetReceivedRepayment(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, stored.AllocatedAmount.Equal(dec("900")))
	require.True(t, stored.UnallocatedAmount.IsZero())
	require.Equal(t, 2, f.metrics.allocations)

	before := f.repo.snapshot()
	again, err := f.svc.Allocate(ctx, testActor, rec.ID)
	require.NoError(t, err)
	require.Empty(t, again)
	require.Equal(t, before, f.repo.snapshot())

	listed, err := f.svc.ListAllocations(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	updated, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceFunded, updated.Status)
}

func TestAllocateKeepsRemainderUnallocated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv, _ := scheduleFor(f, buyerMain, "300", "200")

	rec, err := f.svc.RecordReceivedRepayment(ctx, testActor, RecordRepaymentInput{
		BuyerID:       buyerMain,
		Amount:        dec("750"),
		ReceivedDate:  testNow,
		BankReference: "BANK-002",
		AllocateNow:   true,
	})
	require.NoError(t, err)
	require.True(t, rec.AllocatedAmount.Equal(dec("500")))
	require.True(t, rec.UnallocatedAmount.Equal(dec("250")))

	repaid, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceRepaid, repaid.Status)
	require.Contains(t, f.events.names(), EventInvoiceStatusChanged)

	// A later obligation picks up the leftover on the next run.
	_, later := scheduleFor(f, buyerMain, "100")
	allocations, err := f.svc.Allocate(ctx, testActor, rec.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	require.Equal(t, later[0].ID, allocations[0].ExpectedRepaymentID)
	require.True(t, allocations[0].Amount.Equal(dec("100")))

	stored, err := f.svc.GetReceivedRepayment(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, stored.AllocatedAmount.Equal(dec("600")))
	require.True(t, stored.UnallocatedAmount.Equal(dec("150")))
}

func TestAllocateWrittenOffInvoiceStaysWrittenOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv, _ := scheduleFor(f, buyerMain, "500")
	_, err := f.svc.WriteOffInvoice(ctx, testActor, inv.ID, "buyer insolvent")
	require.NoError(t, err)

	rec := receive(t, f, buyerMain, "500", "RECOVERY-1")
	allocations, err := f.svc.Allocate(ctx, testActor, rec.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 1)

	stored, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceWrittenOff, stored.Status)
}

func TestAllocateIsolatesBuyers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, mine := scheduleFor(f, buyerMain, "400")
	rec := receive(t, f, buyerMain+1, "400", "OTHER-1")

	allocations, err := f.svc.Allocate(ctx, testActor, rec.ID)
	require.NoError(t, err)
	require.Empty(t, allocations)

	state := f.repo.snapshot()
	require.Equal(t, RepaymentOpen, state.expected[mine[0].ID].Status)
	require.True(t, state.received[rec.ID].UnallocatedAmount.Equal(dec("400")))
}

func TestAllocateRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	scheduleFor(f, buyerMain, "400")
	rec := receive(t, f, buyerMain, "400", "BANK-003")

	f.repo.failNext(2)
	allocations, err := f.svc.Allocate(ctx, testActor, rec.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	require.Equal(t, 2, f.metrics.conflicts)
}

func TestAllocateGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	scheduleFor(f, buyerMain, "400")
	rec := receive(t, f, buyerMain, "400", "BANK-004")

	f.repo.failNext(DefaultConfig().MaxAllocationAttempts)
	before := f.repo.snapshot()
	txBefore := f.repo.txCount
	_, err := f.svc.Allocate(ctx, testActor, rec.ID)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.True(t, shared.IsRetryable(err))
	require.Equal(t, before, f.repo.snapshot())
	require.Equal(t, txBefore+DefaultConfig().MaxAllocationAttempts, f.repo.txCount)
}

func TestAllocateMissingReceipt(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Allocate(context.Background(), testActor, 9999)
	require.ErrorIs(t, err, ErrRepaymentNotFound)
	require.Zero(t, f.metrics.conflicts)
}

func TestRecordReceivedRepaymentValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	receive(t, f, buyerMain, "100", "DUP-1")

	_, err := f.svc.RecordReceivedRepayment(ctx, testActor, RecordRepaymentInput{
		BuyerID: buyerMain, Amount: dec("100"), ReceivedDate: testNow, BankReference: " DUP-1 ",
	})
	require.ErrorIs(t, err, ErrDuplicateBankReference)

	_, err = f.svc.RecordReceivedRepayment(ctx, testActor, RecordRepaymentInput{
		BuyerID: buyerMain + 1, Amount: dec("100"), ReceivedDate: testNow, BankReference: "DUP-1",
	})
	require.NoError(t, err)

	_, err = f.svc.RecordReceivedRepayment(ctx, testActor, RecordRepaymentInput{
		BuyerID: buyerMain, Amount: dec("-5"), ReceivedDate: testNow, BankReference: "NEG-1",
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.RecordReceivedRepayment(ctx, testActor, RecordRepaymentInput{
		BuyerID: buyerMain, Amount: dec("0.004"), ReceivedDate: testNow, BankReference: "CENT-1",
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.RecordReceivedRepayment(ctx, testActor, RecordRepaymentInput{
		BuyerID: buyerMain, Amount: dec("5"), BankReference: "NODATE-1",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConcurrentAllocationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, rows := scheduleFor(f, buyerMain, "400", "600", "1000")

	var receipts []ReceivedRepayment
	for i := 0; i < 8; i++ {
		receipts = append(receipts, receive(t, f, buyerMain, "300", fmt.Sprintf("PAR-%d", i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(receipts))
	for _, rec := range receipts {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.svc.Allocate(ctx, testActor, id)
			errs <- err
		}(rec.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	state := f.repo.snapshot()
	perExpected := map[int64]decimal.Decimal{}
	for _, a := range state.allocations {
		perExpected[a.ExpectedRepaymentID] = perExpected[a.ExpectedRepaymentID].Add(a.Amount)
	}
	total := decimal.Zero
	for _, row := range rows {
		stored := state.expected[row.ID]
		require.True(t, perExpected[row.ID].Add(stored.Amount).Equal(row.OriginalAmount))
		require.Equal(t, RepaymentSettled, stored.Status)
		total = total.Add(perExpected[row.ID])
	}
	require.True(t, total.Equal(dec("2000")))

	unallocated := decimal.Zero
	for _, rec := range state.received {
		require.True(t, rec.AllocatedAmount.Add(rec.UnallocatedAmount).Equal(rec.Amount))
		unallocated = unallocated.Add(rec.UnallocatedAmount)
	}
	require.True(t, unallocated.Equal(dec("400")))
}

func TestAllocatePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	scheduleFor(f, buyerMain, "400", "600")
	receive(t, f, buyerMain, "250", "PEND-1")
	receive(t, f, buyerMain, "250", "PEND-2")

	created, err := f.svc.AllocatePending(ctx, shared.SystemActor, 10)
	require.NoError(t, err)
	require.Equal(t, 3, created)

	created, err = f.svc.AllocatePending(ctx, shared.SystemActor, 10)
	require.NoError(t, err)
	require.Zero(t, created)
}
