package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoaworks/waterbill/billing"
	"github.com/hoaworks/waterbill/billing/store"
)

// Service fixtures: calendar fiscal year, bills due the 10th of the next
// month, 10-day grace, 5% simple penalty, 28.50/m3 with a 150.00 minimum.

func svcNow() time.Time {
	return time.Date(2026, time.February, 5, 9, 0, 0, 0, time.UTC)
}

func newTestService() (*billing.Service, *store.TxMemory) {
	mem := store.NewTxMemory()
	cfg := billing.Config{
		FiscalYearStart: time.January,
		DueDay:          10,
		Penalty: billing.PenaltyConfig{
			GracePeriodDays: 10,
			Rate:            decimal.RequireFromString("0.05"),
		},
		RatePerM3:     2850,
		MinimumCharge: 15000,
	}
	builder := billing.NewBuilder(mem, cfg)
	builder.Now = svcNow
	svc := billing.NewService(mem, builder, cfg)
	svc.Now = svcNow
	svc.Surgical.Now = svcNow
	return svc, mem
}

func seedServiceBill(t *testing.T, s billing.Store, index int, base billing.Money) {
	t.Helper()
	due := time.Date(2026, time.Month(index+2), 10, 0, 0, 0, 0, time.UTC)
	seedServiceBillAt(t, s, billing.PeriodID{FiscalYear: 2026, Index: index}, base, due)
}

func seedServiceBillAt(t *testing.T, s billing.Store, period billing.PeriodID, base billing.Money, due time.Time) {
	t.Helper()
	bill := &billing.Bill{
		ClientID:   "hoa-1",
		UnitID:     "unit-a",
		Period:     period,
		DueDate:    due,
		BaseCharge: base,
	}
	bill.Recompute()
	require.NoError(t, s.PutBill(context.Background(), bill))
}

func payment(amount billing.Money, ref string) billing.PaymentRequest {
	return billing.PaymentRequest{
		ClientID:       "hoa-1",
		UnitID:         "unit-a",
		Amount:         amount,
		Date:           svcNow(),
		TransactionRef: ref,
	}
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

func TestService_ExactPaymentSettlesBill(t *testing.T) {
	// GIVEN: One unpaid bill of 10000
	// WHEN: Paying exactly 10000
	// THEN: The bill is paid, no credit moves

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 10000)

	result, err := svc.RecordPayment(context.Background(), payment(10000, "tx-1"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, billing.Money(10000), result.Allocations[0].CashAmount)
	assert.Equal(t, billing.StatusPaid, result.Allocations[0].StatusAfter)
	assert.Equal(t, billing.Money(0), result.CreditConsumed)
	assert.Equal(t, billing.Money(0), result.CreditCreated)
	assert.Equal(t, billing.Money(0), result.NewCreditBalance)

	stored, err := mem.GetBill(context.Background(), "hoa-1", "unit-a", billing.PeriodID{FiscalYear: 2026, Index: 0})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, stored.Status)
	require.Len(t, stored.Payments, 1)
	assert.Equal(t, "tx-1", stored.Payments[0].TransactionRef)
}

func TestService_UnderpaymentFillsOldestFirst(t *testing.T) {
	// GIVEN: Bills of 5000 (period 0) and 8000 (period 1)
	// WHEN: Paying 6000
	// THEN: Period 0 is paid in full, period 1 is partial at 1000

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 5000)
	seedServiceBill(t, mem, 1, 8000)

	result, err := svc.RecordPayment(context.Background(), payment(6000, "tx-1"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, 0, result.Allocations[0].Period.Index)
	assert.Equal(t, billing.Money(5000), result.Allocations[0].Amount)
	assert.Equal(t, billing.StatusPaid, result.Allocations[0].StatusAfter)
	assert.Equal(t, 1, result.Allocations[1].Period.Index)
	assert.Equal(t, billing.Money(1000), result.Allocations[1].Amount)
	assert.Equal(t, billing.StatusPartial, result.Allocations[1].StatusAfter)
}

func TestService_OverpaymentBecomesCredit(t *testing.T) {
	// GIVEN: A single bill of 5000
	// WHEN: Paying 7000
	// THEN: The bill is paid and 2000 becomes standing credit

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 5000)

	result, err := svc.RecordPayment(context.Background(), payment(7000, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, billing.Money(2000), result.CreditCreated)
	assert.Equal(t, billing.Money(2000), result.NewCreditBalance)

	credit, err := mem.GetCredit(context.Background(), "hoa-1", "unit-a")
	require.NoError(t, err)
	require.NotNil(t, credit)
	assert.Equal(t, billing.Money(2000), credit.Balance)
	require.Len(t, credit.History, 1)
	assert.Equal(t, billing.CreditApplied, credit.History[0].Reason)
	assert.Equal(t, "tx-1", credit.History[0].TransactionRef)
}

func TestService_CreditToppedUpByNextPayment(t *testing.T) {
	// GIVEN: 2000 standing credit from an overpayment, then a new 5000 bill
	// WHEN: Paying 3000 cash
	// THEN: Cash goes first, credit covers the rest, balance returns to zero

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 5000)

	_, err := svc.RecordPayment(context.Background(), payment(7000, "tx-1"))
	require.NoError(t, err)

	seedServiceBill(t, mem, 1, 5000)

	result, err := svc.RecordPayment(context.Background(), payment(3000, "tx-2"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	alloc := result.Allocations[0]
	assert.Equal(t, 1, alloc.Period.Index)
	assert.Equal(t, billing.Money(3000), alloc.CashAmount)
	assert.Equal(t, billing.Money(2000), alloc.CreditAmount)
	assert.Equal(t, billing.StatusPaid, alloc.StatusAfter)
	assert.Equal(t, billing.Money(2000), result.CreditConsumed)
	assert.Equal(t, billing.Money(0), result.NewCreditBalance)
}

func TestService_PaymentSettlesPriorYearDebtFirst(t *testing.T) {
	// GIVEN: An unpaid December 2025 bill and a January 2026 bill
	// WHEN: Paying exactly the older bill's amount in January 2026
	// THEN: The prior-year bill settles; the new year's bill is untouched

	svc, mem := newTestService()
	decPeriod := billing.PeriodID{FiscalYear: 2025, Index: 11}
	janPeriod := billing.PeriodID{FiscalYear: 2026, Index: 0}
	seedServiceBillAt(t, mem, decPeriod, 5000, time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC))
	seedServiceBillAt(t, mem, janPeriod, 8000, time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC))

	req := payment(5000, "tx-1")
	req.Date = time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC) // inside December's grace
	result, err := svc.RecordPayment(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, decPeriod, result.Allocations[0].Period)
	assert.Equal(t, billing.StatusPaid, result.Allocations[0].StatusAfter)
	assert.Equal(t, billing.Money(0), result.CreditCreated)

	jan, err := mem.GetBill(context.Background(), "hoa-1", "unit-a", janPeriod)
	require.NoError(t, err)
	assert.Equal(t, billing.Money(0), jan.PaidAmount)
	assert.Equal(t, billing.Money(0), jan.PreviousBalance)
}

func TestService_PriorYearClosingBalanceCarriesIntoNewYear(t *testing.T) {
	// GIVEN: The same December 2025 and January 2026 bills
	// WHEN: Paying 2000, enough for only part of the older bill
	// THEN: The payment lands on the older bill and its remainder carries
	//       into the new year's first period

	svc, mem := newTestService()
	decPeriod := billing.PeriodID{FiscalYear: 2025, Index: 11}
	janPeriod := billing.PeriodID{FiscalYear: 2026, Index: 0}
	seedServiceBillAt(t, mem, decPeriod, 5000, time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC))
	seedServiceBillAt(t, mem, janPeriod, 8000, time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC))

	req := payment(2000, "tx-1")
	req.Date = time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	result, err := svc.RecordPayment(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, decPeriod, result.Allocations[0].Period)
	assert.Equal(t, billing.Money(2000), result.Allocations[0].Amount)
	assert.Equal(t, billing.StatusPartial, result.Allocations[0].StatusAfter)

	jan, err := mem.GetBill(context.Background(), "hoa-1", "unit-a", janPeriod)
	require.NoError(t, err)
	assert.Equal(t, billing.Money(3000), jan.PreviousBalance)
	assert.Equal(t, billing.Money(0), jan.PaidAmount)
}

func TestService_OverduePaymentCoversAccruedPenalty(t *testing.T) {
	// GIVEN: A bill one month past grace (10000 base, 500 accrued)
	// WHEN: Paying 10500 on Feb 25
	// THEN: The in-transaction recomputation prices the penalty in

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 10000)

	req := payment(10500, "tx-1")
	req.Date = time.Date(2026, time.February, 25, 0, 0, 0, 0, time.UTC)

	result, err := svc.RecordPayment(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, billing.Money(10500), result.Allocations[0].Amount)
	assert.Equal(t, billing.StatusPaid, result.Allocations[0].StatusAfter)
	assert.Equal(t, billing.Money(0), result.CreditCreated)
}

func TestService_DuplicateTransactionRefRejected(t *testing.T) {
	// GIVEN: A recorded payment under ref tx-1
	// WHEN: Recording another payment under the same ref
	// THEN: Rejected, and the second payment leaves no trace

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 10000)

	_, err := svc.RecordPayment(context.Background(), payment(4000, "tx-1"))
	require.NoError(t, err)

	_, err = svc.RecordPayment(context.Background(), payment(4000, "tx-1"))
	require.ErrorIs(t, err, billing.ErrDuplicateTransactionRef)

	stored, err := mem.GetBill(context.Background(), "hoa-1", "unit-a", billing.PeriodID{FiscalYear: 2026, Index: 0})
	require.NoError(t, err)
	assert.Len(t, stored.Payments, 1)
	assert.Equal(t, billing.Money(4000), stored.PaidAmount)
}

func TestService_DuplicateRefDetectedOnCreditOnlyTransaction(t *testing.T) {
	// GIVEN: A payment with no open bills, recorded wholly as credit
	// WHEN: Reusing its ref
	// THEN: Rejected - the credit history counts for idempotency too

	svc, _ := newTestService()

	result, err := svc.RecordPayment(context.Background(), payment(3000, "tx-1"))
	require.NoError(t, err)
	assert.Empty(t, result.Allocations)
	assert.Equal(t, billing.Money(3000), result.CreditCreated)

	_, err = svc.RecordPayment(context.Background(), payment(3000, "tx-1"))
	require.ErrorIs(t, err, billing.ErrDuplicateTransactionRef)
}

func TestService_PaymentValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*billing.PaymentRequest)
	}{
		{"zero amount", func(r *billing.PaymentRequest) { r.Amount = 0 }},
		{"negative amount", func(r *billing.PaymentRequest) { r.Amount = -100 }},
		{"missing unit", func(r *billing.PaymentRequest) { r.UnitID = "" }},
		{"missing ref", func(r *billing.PaymentRequest) { r.TransactionRef = "" }},
		{"missing date", func(r *billing.PaymentRequest) { r.Date = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := payment(1000, "tx-v")
			tc.mutate(&req)
			_, err := svc.RecordPayment(ctx, req)
			var vErr *billing.ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestService_ReverseOverpaymentRestoresBillAndRemovesCredit(t *testing.T) {
	// GIVEN: A 5000 bill settled by a 7000 payment (2000 became credit)
	// WHEN: Reversing the payment
	// THEN: The bill returns to unpaid and the credit is backed out by an
	//       appended opposite entry - history is never edited

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 5000)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, payment(7000, "tx-c"))
	require.NoError(t, err)

	result, err := svc.Reverse(ctx, "hoa-1", "tx-c")
	require.NoError(t, err)

	assert.Equal(t, billing.UnitID("unit-a"), result.UnitID)
	require.Len(t, result.RemovedPayments, 1)
	assert.Equal(t, billing.Money(5000), result.RemovedPayments[0].Amount)
	require.Len(t, result.NewBillStatuses, 1)
	assert.Equal(t, billing.StatusUnpaid, result.NewBillStatuses[0].Status)
	assert.Equal(t, billing.Money(0), result.NewCreditBalance)

	stored, err := mem.GetBill(ctx, "hoa-1", "unit-a", billing.PeriodID{FiscalYear: 2026, Index: 0})
	require.NoError(t, err)
	assert.Empty(t, stored.Payments)
	assert.Equal(t, billing.StatusUnpaid, stored.Status)

	credit, err := mem.GetCredit(ctx, "hoa-1", "unit-a")
	require.NoError(t, err)
	require.NotNil(t, credit)
	assert.Equal(t, billing.Money(0), credit.Balance)
	require.Len(t, credit.History, 2)
	assert.Equal(t, billing.CreditApplied, credit.History[0].Reason)
	assert.Equal(t, billing.Money(2000), credit.History[0].Amount)
	assert.Equal(t, billing.CreditAdjusted, credit.History[1].Reason)
	assert.Equal(t, billing.Money(-2000), credit.History[1].Amount)
	assert.Equal(t, "tx-c:reversal", credit.History[1].TransactionRef)
}

func TestService_ReverseRestoresConsumedCredit(t *testing.T) {
	// GIVEN: A payment that consumed 2000 standing credit
	// WHEN: Reversing it
	// THEN: The credit comes back as a "restored" entry

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 5000)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, payment(7000, "tx-1"))
	require.NoError(t, err)
	seedServiceBill(t, mem, 1, 5000)
	_, err = svc.RecordPayment(ctx, payment(3000, "tx-2"))
	require.NoError(t, err)

	result, err := svc.Reverse(ctx, "hoa-1", "tx-2")
	require.NoError(t, err)
	assert.Equal(t, billing.Money(2000), result.NewCreditBalance)

	credit, err := mem.GetCredit(ctx, "hoa-1", "unit-a")
	require.NoError(t, err)
	require.NotNil(t, credit)
	require.Len(t, credit.History, 3) // applied, used, restored
	last := credit.History[2]
	assert.Equal(t, billing.CreditRestored, last.Reason)
	assert.Equal(t, billing.Money(2000), last.Amount)
}

func TestService_ReverseFailsWhenCreatedCreditAlreadySpent(t *testing.T) {
	// GIVEN: tx-1 created 2000 credit which tx-2 then spent
	// WHEN: Reversing tx-1
	// THEN: Rejected with insufficient credit; nothing changes

	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 5000)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, payment(7000, "tx-1"))
	require.NoError(t, err)
	seedServiceBill(t, mem, 1, 5000)
	_, err = svc.RecordPayment(ctx, payment(3000, "tx-2"))
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, "hoa-1", "tx-1")
	require.ErrorIs(t, err, billing.ErrInsufficientCredit)

	// The failed reversal rolled back: bills and credit are untouched.
	stored, err := mem.GetBill(ctx, "hoa-1", "unit-a", billing.PeriodID{FiscalYear: 2026, Index: 0})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, stored.Status)
	require.Len(t, stored.Payments, 1)

	credit, err := mem.GetCredit(ctx, "hoa-1", "unit-a")
	require.NoError(t, err)
	require.NotNil(t, credit)
	assert.Equal(t, billing.Money(0), credit.Balance)
	assert.Len(t, credit.History, 2)
}

func TestService_DoubleReversalRejected(t *testing.T) {
	svc, mem := newTestService()
	seedServiceBill(t, mem, 0, 5000)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, payment(7000, "tx-1"))
	require.NoError(t, err)
	_, err = svc.Reverse(ctx, "hoa-1", "tx-1")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, "hoa-1", "tx-1")
	assert.ErrorIs(t, err, billing.ErrDuplicateTransactionRef)
}

func TestService_ReverseUnknownRefNotFound(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Reverse(context.Background(), "hoa-1", "tx-missing")
	assert.ErrorIs(t, err, billing.ErrTransactionNotFound)
}

// =============================================================================
// BILL GENERATION
// =============================================================================

func TestService_GenerateBillsFromMeterReadings(t *testing.T) {
	// GIVEN: Two readings, one under the consumption minimum
	// WHEN: Generating January's bills
	// THEN: Tariff applies per m3 with the minimum charge as a floor

	svc, mem := newTestService()
	period := billing.PeriodID{FiscalYear: 2026, Index: 0}

	bills, err := svc.GenerateBills(context.Background(), "hoa-1", period, []billing.MeterReading{
		{UnitID: "unit-a", MeterStart: 100, MeterEnd: 110},
		{UnitID: "unit-b", MeterStart: 200, MeterEnd: 202},
	})
	require.NoError(t, err)
	require.Len(t, bills, 2)

	// 10 m3 x 28.50 = 285.00
	assert.Equal(t, billing.Money(28500), bills[0].BaseCharge)
	assert.Equal(t, 10, bills[0].ConsumptionM3)
	// 2 m3 x 28.50 = 57.00, floored to the 150.00 minimum.
	assert.Equal(t, billing.Money(15000), bills[1].BaseCharge)
	assert.Equal(t, billing.StatusUnpaid, bills[1].Status)

	wantDue := time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, wantDue, bills[0].DueDate)

	stored, err := mem.GetBill(context.Background(), "hoa-1", "unit-b", period)
	require.NoError(t, err)
	assert.Equal(t, billing.Money(15000), stored.BaseCharge)
}

func TestService_RegenerateReplacesUnpaidBill(t *testing.T) {
	// GIVEN: A generated bill with no payments
	// WHEN: Generating the same period again with a corrected reading
	// THEN: The bill is replaced in place

	svc, mem := newTestService()
	period := billing.PeriodID{FiscalYear: 2026, Index: 0}
	ctx := context.Background()

	_, err := svc.GenerateBills(ctx, "hoa-1", period, []billing.MeterReading{
		{UnitID: "unit-a", MeterStart: 100, MeterEnd: 110},
	})
	require.NoError(t, err)

	_, err = svc.GenerateBills(ctx, "hoa-1", period, []billing.MeterReading{
		{UnitID: "unit-a", MeterStart: 100, MeterEnd: 120},
	})
	require.NoError(t, err)

	stored, err := mem.GetBill(ctx, "hoa-1", "unit-a", period)
	require.NoError(t, err)
	assert.Equal(t, 20, stored.ConsumptionM3)
	assert.Equal(t, billing.Money(57000), stored.BaseCharge)
}

func TestService_RegenerateRejectedOncePaid(t *testing.T) {
	// GIVEN: A generated bill that has received a payment
	// WHEN: Generating the same period again
	// THEN: Rejected - a paid period changes only through reversal

	svc, _ := newTestService()
	period := billing.PeriodID{FiscalYear: 2026, Index: 0}
	ctx := context.Background()

	_, err := svc.GenerateBills(ctx, "hoa-1", period, []billing.MeterReading{
		{UnitID: "unit-a", MeterStart: 100, MeterEnd: 110},
	})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, payment(5000, "tx-1"))
	require.NoError(t, err)

	_, err = svc.GenerateBills(ctx, "hoa-1", period, []billing.MeterReading{
		{UnitID: "unit-a", MeterStart: 100, MeterEnd: 115},
	})
	assert.ErrorIs(t, err, billing.ErrBillHasPayments)
}

func TestService_GenerateBillsValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	period := billing.PeriodID{FiscalYear: 2026, Index: 0}

	var vErr *billing.ValidationError

	_, err := svc.GenerateBills(ctx, "hoa-1", billing.PeriodID{FiscalYear: 2026, Index: 12}, nil)
	assert.ErrorAs(t, err, &vErr)

	_, err = svc.GenerateBills(ctx, "hoa-1", period, []billing.MeterReading{
		{UnitID: "unit-a", MeterStart: 110, MeterEnd: 100},
	})
	assert.ErrorAs(t, err, &vErr)

	_, err = svc.GenerateBills(ctx, "hoa-1", period, []billing.MeterReading{
		{UnitID: "unit-a", MeterStart: 100, MeterEnd: 110},
		{UnitID: "unit-a", MeterStart: 100, MeterEnd: 112},
	})
	assert.ErrorAs(t, err, &vErr)
}
