package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoaworks/waterbill/billing"
	"github.com/hoaworks/waterbill/billing/store"
)

func newTestCreditManager() *billing.CreditManager {
	m := billing.NewCreditManager(store.NewMemory())
	m.Now = func() time.Time {
		return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	}
	return m
}

func TestCreditManager_LazyCreateOnFirstOverpayment(t *testing.T) {
	// GIVEN: Unit with no credit record
	// WHEN: A positive adjustment arrives
	// THEN: Record is created with a matching history entry

	m := newTestCreditManager()
	ctx := context.Background()

	balance, err := m.Adjust(ctx, "hoa-1", "unit-a", 2000, billing.CreditApplied, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, billing.Money(2000), balance)

	entries, err := m.EntriesByRef(ctx, "hoa-1", "unit-a", "tx-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.CreditApplied, entries[0].Reason)
	assert.Equal(t, billing.Money(2000), entries[0].Amount)
}

func TestCreditManager_OverdrawRejectedNotClamped(t *testing.T) {
	// GIVEN: Unit holding 1000 credit
	// WHEN: Trying to use 1500
	// THEN: Rejected with InsufficientCreditError, balance unchanged

	m := newTestCreditManager()
	ctx := context.Background()

	_, err := m.Adjust(ctx, "hoa-1", "unit-a", 1000, billing.CreditApplied, "tx-1")
	require.NoError(t, err)

	_, err = m.Adjust(ctx, "hoa-1", "unit-a", -1500, billing.CreditUsed, "tx-2")
	require.Error(t, err)

	var insufErr *billing.InsufficientCreditError
	require.ErrorAs(t, err, &insufErr)
	assert.Equal(t, billing.Money(1000), insufErr.Available)
	assert.Equal(t, billing.Money(1500), insufErr.Requested)

	balance, err := m.Balance(ctx, "hoa-1", "unit-a")
	require.NoError(t, err)
	assert.Equal(t, billing.Money(1000), balance, "failed adjustment must write nothing")
}

func TestCreditManager_OverdrawOnMissingRecord(t *testing.T) {
	m := newTestCreditManager()

	_, err := m.Adjust(context.Background(), "hoa-1", "unit-x", -1, billing.CreditUsed, "tx-1")
	assert.ErrorIs(t, err, billing.ErrInsufficientCredit)
}

func TestCreditManager_BalanceEqualsHistorySum(t *testing.T) {
	m := newTestCreditManager()
	ctx := context.Background()

	deltas := []billing.Money{2000, -500, 300, -1800}
	reasons := []billing.CreditReason{
		billing.CreditApplied, billing.CreditUsed, billing.CreditApplied, billing.CreditUsed,
	}
	var want billing.Money
	for i, d := range deltas {
		_, err := m.Adjust(ctx, "hoa-1", "unit-a", d, reasons[i], "tx")
		require.NoError(t, err)
		want = want.Add(d)
	}

	credit, err := m.Store.GetCredit(ctx, "hoa-1", "unit-a")
	require.NoError(t, err)
	require.NotNil(t, credit)
	assert.Equal(t, want, credit.Balance)
	assert.NoError(t, credit.CheckInvariants())
	assert.Len(t, credit.History, len(deltas), "history is append-only")
}

func TestCreditManager_ZeroDeltaReadsBalance(t *testing.T) {
	m := newTestCreditManager()
	ctx := context.Background()

	balance, err := m.Adjust(ctx, "hoa-1", "unit-a", 0, billing.CreditAdjusted, "tx-0")
	require.NoError(t, err)
	assert.Equal(t, billing.Money(0), balance)

	credit, err := m.Store.GetCredit(ctx, "hoa-1", "unit-a")
	require.NoError(t, err)
	assert.Nil(t, credit, "zero delta must not create a record")
}

func TestReversalReason(t *testing.T) {
	assert.Equal(t, billing.CreditRestored, billing.ReversalReason(billing.CreditUsed))
	assert.Equal(t, billing.CreditUsed, billing.ReversalReason(billing.CreditRestored))
	assert.Equal(t, billing.CreditAdjusted, billing.ReversalReason(billing.CreditApplied))
	assert.Equal(t, billing.CreditAdjusted, billing.ReversalReason(billing.CreditAdjusted))
}
