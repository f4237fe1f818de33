/*
surgical.go - Surgical Update Service

PURPOSE:
  After a mutation (payment, reversal, generation) touches one unit, only
  that unit needs recomputation: penalties, its carryover chain, and its
  slice of the aggregated view. Every other unit is untouched.

WHY THE WHOLE CHAIN:
  A payment on period p changes p's outstanding, which changes the
  carryover into p+1, which changes p+1's status and penalty base, and so
  on - across fiscal-year boundaries, because a year's first period
  carries the prior year's closing outstanding. One forward pass over the
  unit's history refreshes everything the mutation could have moved.

SAFETY PROPERTIES:
  - Idempotent: running it twice after one mutation yields byte-identical
    results, because every derived field is a pure function of the bills.
  - Skippable: if the view patch is skipped the cached view goes stale but
    never wrong-in-favor-of-money - the next full rebuild derives the same
    truth from the bills.
*/
package billing

import (
	"context"
	"log"
	"time"
)

// SurgicalUpdater recomputes the affected slice of state after a mutation.
type SurgicalUpdater struct {
	Store   TxStore
	Builder *Builder
	Config  Config
	Now     func() time.Time
}

func NewSurgicalUpdater(store TxStore, builder *Builder, cfg Config) *SurgicalUpdater {
	return &SurgicalUpdater{Store: store, Builder: builder, Config: cfg, Now: time.Now}
}

// OnMutation refreshes one unit after a mutation: its bills across the
// full carryover chain (carryover + penalty + status), then its slice of
// the given fiscal year's view. The bill writes are transactional; the
// view patch is a cache update and may lag without harm.
func (s *SurgicalUpdater) OnMutation(ctx context.Context, clientID ClientID, fiscalYear int, unitID UnitID) error {
	err := s.Store.WithTx(ctx, func(store Store) error {
		_, err := RecomputeUnitHistory(ctx, store, clientID, unitID, s.now(), s.Config.Penalty)
		return err
	})
	if err != nil {
		return err
	}

	unit, err := s.Builder.BuildUnitSlice(ctx, clientID, fiscalYear, unitID)
	if err != nil {
		return err
	}
	if err := s.Builder.PatchUnit(ctx, clientID, fiscalYear, unit); err != nil {
		// A failed view patch is a stale cache, not lost money.
		log.Printf("surgical update: view patch failed for %s/%d/%s: %v", clientID, fiscalYear, unitID, err)
	}
	return nil
}

func (s *SurgicalUpdater) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RecomputeUnitHistory reloads a unit's bills across every fiscal year,
// recomputes the full chain, and persists what changed. It returns the
// unit's full, period-ordered bill list after the pass. Mutations read
// through this rather than through a single year's bills: the carryover
// chain crosses fiscal-year boundaries, so a prior year's unpaid bill must
// stay ahead of the new year's in any distribution, and the new year's
// first bill must carry the prior year's closing outstanding. Exported so
// the payment service can run the same pass inside its own transaction
// before distributing.
func RecomputeUnitHistory(ctx context.Context, store Store, clientID ClientID, unitID UnitID, asOf time.Time, cfg PenaltyConfig) ([]*Bill, error) {
	bills, err := store.ListUnitBillHistory(ctx, clientID, unitID)
	if err != nil {
		return nil, err
	}

	for _, bill := range RecomputeUnitChain(bills, asOf, cfg) {
		if err := bill.CheckInvariants(); err != nil {
			return nil, err
		}
		if err := store.PutBill(ctx, bill); err != nil {
			return nil, err
		}
	}
	return sortBillsByPeriod(bills), nil
}
