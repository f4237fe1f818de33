/*
credit.go - Credit Balance Manager

PURPOSE:
  The single source of truth for a unit's standing credit. Every balance
  change is an atomic Adjust call that appends a history entry; the balance
  and its history can never drift apart because they are only ever written
  together.

CRITICAL INVARIANTS:
  1. Balance never goes negative. A decrement that would overdraw is
     REJECTED with InsufficientCreditError, not clamped - that is a caller
     defect, not a valid state.
  2. History is append-only. Reversals append the opposite entry; nothing
     is edited or deleted after the fact.
  3. Records are created lazily on first positive adjustment.

ATOMICITY:
  Adjust must run against the Store handed into a TxStore.WithTx block
  together with the bill writes it belongs to: a payment's allocations and
  its credit adjustment both land or neither does.
*/
package billing

import (
	"context"
	"time"
)

// CreditManager performs atomic credit adjustments against a CreditStore.
type CreditManager struct {
	Store CreditStore

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewCreditManager(store CreditStore) *CreditManager {
	return &CreditManager{Store: store, Now: time.Now}
}

// Adjust applies a signed delta to a unit's credit balance, appending the
// matching history entry, and returns the new balance.
//
// A negative delta larger than the current balance fails with
// InsufficientCreditError and writes nothing.
func (m *CreditManager) Adjust(ctx context.Context, clientID ClientID, unitID UnitID, delta Money, reason CreditReason, transactionRef string) (Money, error) {
	if delta.IsZero() {
		credit, err := m.Store.GetCredit(ctx, clientID, unitID)
		if err != nil {
			return 0, err
		}
		if credit == nil {
			return 0, nil
		}
		return credit.Balance, nil
	}

	credit, err := m.Store.GetCredit(ctx, clientID, unitID)
	if err != nil {
		return 0, err
	}
	if credit == nil {
		if delta.IsNegative() {
			return 0, &InsufficientCreditError{
				ClientID:  clientID,
				UnitID:    unitID,
				Available: 0,
				Requested: delta.Neg(),
			}
		}
		credit = &CreditBalance{ClientID: clientID, UnitID: unitID}
	}

	newBalance := credit.Balance.Add(delta)
	if newBalance.IsNegative() {
		return 0, &InsufficientCreditError{
			ClientID:  clientID,
			UnitID:    unitID,
			Available: credit.Balance,
			Requested: delta.Neg(),
		}
	}

	credit.Balance = newBalance
	credit.History = append(credit.History, CreditEntry{
		Amount:         delta,
		Reason:         reason,
		TransactionRef: transactionRef,
		Timestamp:      m.now(),
	})

	if err := credit.CheckInvariants(); err != nil {
		return 0, err
	}
	if err := m.Store.PutCredit(ctx, credit); err != nil {
		return 0, err
	}
	return credit.Balance, nil
}

// Balance returns the unit's current credit balance (zero if no record).
func (m *CreditManager) Balance(ctx context.Context, clientID ClientID, unitID UnitID) (Money, error) {
	credit, err := m.Store.GetCredit(ctx, clientID, unitID)
	if err != nil {
		return 0, err
	}
	if credit == nil {
		return 0, nil
	}
	if err := credit.CheckInvariants(); err != nil {
		return 0, err
	}
	return credit.Balance, nil
}

// EntriesByRef returns the history entries recorded under a transactionRef.
// Used by reversal to build the opposite entries.
func (m *CreditManager) EntriesByRef(ctx context.Context, clientID ClientID, unitID UnitID, transactionRef string) ([]CreditEntry, error) {
	credit, err := m.Store.GetCredit(ctx, clientID, unitID)
	if err != nil {
		return nil, err
	}
	if credit == nil {
		return nil, nil
	}
	var entries []CreditEntry
	for _, e := range credit.History {
		if e.TransactionRef == transactionRef {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *CreditManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// ReversalReason maps a history entry's reason to the reason its reversal
// entry carries: consumed credit is "restored"; credit that was created by
// the reversed payment is backed out as an "adjusted" entry.
func ReversalReason(original CreditReason) CreditReason {
	switch original {
	case CreditUsed:
		return CreditRestored
	case CreditRestored:
		return CreditUsed
	default: // applied, adjusted
		return CreditAdjusted
	}
}
