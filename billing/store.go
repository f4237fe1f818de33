/*
store.go - Persistence interfaces for bills, credit balances, and views

PURPOSE:
  Defines the narrow contract between the engine and the document store.
  Bills are keyed by (client, fiscalYear, unit, period), credit balances
  by (client, unit), views by (client, fiscalYear). All monetary fields
  persist as integer centavos.

CONTRACT:
  - Put operations perform an optimistic version check: writing a record
    whose Version does not match the stored one fails with
    ErrConcurrentModification. Version 0 means "insert new".
  - ListBillsForYear is the batched read behind the aggregation builder's
    O(1-2) round-trip requirement; per-cell reads are forbidden there.
  - WithTx makes a group of writes atomic: a payment's bill writes and its
    credit adjustment both land or neither does.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and dev
  - store/sqlite:            SQLite, for production single-node deploys
*/
package billing

import "context"

// BillStore persists bills.
type BillStore interface {
	// GetBill returns the bill for (client, unit, period), or ErrBillNotFound.
	GetBill(ctx context.Context, clientID ClientID, unitID UnitID, period PeriodID) (*Bill, error)

	// PutBill inserts or updates a bill with an optimistic version check.
	// On success the bill's Version is advanced in place.
	PutBill(ctx context.Context, bill *Bill) error

	// ListUnitBills returns one unit's bills for a fiscal year, ordered by
	// period ascending.
	ListUnitBills(ctx context.Context, clientID ClientID, fiscalYear int, unitID UnitID) ([]*Bill, error)

	// ListUnitBillHistory returns one unit's bills across ALL fiscal years,
	// ordered by period ascending. Payment distribution reads through this:
	// debt left open in a prior year must stay visible to a new-year payment.
	ListUnitBillHistory(ctx context.Context, clientID ClientID, unitID UnitID) ([]*Bill, error)

	// ListBillsForYear returns ALL bills for a client's fiscal year in one
	// round trip, ordered by (unit, period).
	ListBillsForYear(ctx context.Context, clientID ClientID, fiscalYear int) ([]*Bill, error)

	// FindBillsByTransactionRef returns every bill carrying a payment with
	// the given transactionRef. Used by reversal and by idempotency checks.
	FindBillsByTransactionRef(ctx context.Context, clientID ClientID, transactionRef string) ([]*Bill, error)
}

// CreditStore persists credit balances.
type CreditStore interface {
	// GetCredit returns the unit's credit balance, or nil if none exists yet
	// (credit records are created lazily on first overpayment).
	GetCredit(ctx context.Context, clientID ClientID, unitID UnitID) (*CreditBalance, error)

	// PutCredit inserts or updates a credit balance with a version check.
	PutCredit(ctx context.Context, credit *CreditBalance) error

	// ListCreditBalances returns all credit balances for a client in one
	// round trip.
	ListCreditBalances(ctx context.Context, clientID ClientID) ([]*CreditBalance, error)
}

// ViewStore persists materialized aggregated views. The view is a cache;
// a missing or stale view is recoverable, a wrong one is not acceptable.
type ViewStore interface {
	SaveView(ctx context.Context, view *AggregatedView) error

	// GetView returns the stored view, or nil if none has been built.
	GetView(ctx context.Context, clientID ClientID, fiscalYear int) (*AggregatedView, error)
}

// Store is the full persistence contract.
type Store interface {
	BillStore
	CreditStore
	ViewStore
}

// TxStore adds transactions. Use for every mutation that touches more than
// one record: if fn returns an error the transaction rolls back and no
// partial write survives.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
