/*
aggregate.go - Aggregation Builder and the view cache

PURPOSE:
  Materializes the per-fiscal-year AggregatedView: for every (unit, period)
  the bill fields plus display amounts that are fully resolved for the UI.
  Consumers never convert units or sum columns themselves.

PERFORMANCE CONTRACT:
  A full build costs O(1-2) store round-trips per year (one batched bill
  read, one batched credit read) - never one read per unit-period. The
  carryover chain is computed FORWARD, once per period, O(n) in periods.

CACHE CONTRACT:
  The builder owns a single, explicitly scoped in-process cache keyed by
  (client, fiscalYear). Exactly two things may change a cached view:
  a full (re)build here, or a unit patch from the surgical updater.
  Invalidate drops an entry; a dropped or stale view is always safe
  because the view is derivable from bills + credit alone.

SEE ALSO:
  - surgical.go: patches one unit's slice after a mutation
*/
package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// UNIT CHAIN RECOMPUTATION - shared by builder, surgical updater, service
// =============================================================================

// RecomputeUnitChain walks one unit's bills oldest-first and re-derives the
// coupled fields: carryover in, penalty as of asOf, status, and carryover
// out. Bills are mutated in place; the returned slice lists the bills whose
// fields actually changed (the ones a caller needs to persist).
//
// The oldest bill's stored PreviousBalance is the chain's opening balance:
// debt older than the window (typically the prior fiscal year's closing
// outstanding) that the pass preserves rather than derives. Every later
// bill's carryover is re-derived.
//
// The chain is the heart of surgical updating: because each period's
// carryover depends only on the previous period's outcome, one forward pass
// refreshes a unit completely, and a pass limited to periods >= p is valid
// whenever the carry into p is taken from the already-correct period p-1.
func RecomputeUnitChain(bills []*Bill, asOf time.Time, cfg PenaltyConfig) []*Bill {
	ordered := sortBillsByPeriod(bills)

	var changed []*Bill
	var carry Money
	for i, bill := range ordered {
		if i == 0 {
			carry = bill.PreviousBalance
		}
		prevBalance := carry
		penalty := ComputePenaltyWithCarry(bill, prevBalance, asOf, cfg)
		status := deriveStatusWith(bill, prevBalance, penalty)

		if bill.PreviousBalance != prevBalance || bill.PenaltyAmount != penalty || bill.Status != status {
			bill.PreviousBalance = prevBalance
			bill.PenaltyAmount = penalty
			bill.Status = status
			changed = append(changed, bill)
		}
		carry = bill.Outstanding()
	}
	return changed
}

// ComputePenaltyWithCarry evaluates the penalty using an explicit carryover
// value instead of the one stored on the bill. Needed while the chain is
// being recomputed and the stored PreviousBalance may be stale.
func ComputePenaltyWithCarry(bill *Bill, carry Money, asOf time.Time, cfg PenaltyConfig) Money {
	scratch := *bill
	scratch.PreviousBalance = carry
	return ComputePenalty(&scratch, asOf, cfg)
}

func deriveStatusWith(bill *Bill, carry, penalty Money) BillStatus {
	scratch := *bill
	scratch.PreviousBalance = carry
	scratch.PenaltyAmount = penalty
	return scratch.DeriveStatus()
}

func sortBillsByPeriod(bills []*Bill) []*Bill {
	ordered := make([]*Bill, len(bills))
	copy(ordered, bills)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Period.Before(ordered[j].Period)
	})
	return ordered
}

// =============================================================================
// BUILDER
// =============================================================================

type viewKey struct {
	ClientID   ClientID
	FiscalYear int
}

// Builder materializes aggregated views and owns their cache.
type Builder struct {
	Store  Store
	Config Config
	Now    func() time.Time

	mu    sync.RWMutex
	cache map[viewKey]*AggregatedView
}

func NewBuilder(store Store, cfg Config) *Builder {
	return &Builder{
		Store:  store,
		Config: cfg,
		Now:    time.Now,
		cache:  make(map[viewKey]*AggregatedView),
	}
}

// Build returns the aggregated view for a client's fiscal year, serving
// from the cache when possible and building wholesale on a miss. The
// returned view is a private copy: callers read and serialize it without
// holding any lock, while the cached view keeps being patched.
func (b *Builder) Build(ctx context.Context, clientID ClientID, fiscalYear int) (*AggregatedView, error) {
	key := viewKey{clientID, fiscalYear}

	b.mu.RLock()
	cached := b.cache[key]
	var snapshot *AggregatedView
	if cached != nil {
		snapshot = cached.Clone()
	}
	b.mu.RUnlock()
	if snapshot != nil {
		return snapshot, nil
	}

	// Fall back to the persisted view before a full rebuild.
	if stored, err := b.Store.GetView(ctx, clientID, fiscalYear); err == nil && stored != nil {
		b.mu.Lock()
		b.cache[key] = stored
		b.mu.Unlock()
		return stored.Clone(), nil
	}

	return b.Rebuild(ctx, clientID, fiscalYear)
}

// Rebuild always builds from source data, refreshes the cache, and
// persists the result.
func (b *Builder) Rebuild(ctx context.Context, clientID ClientID, fiscalYear int) (*AggregatedView, error) {
	// The batched reads: the only store round-trips in a full build.
	bills, err := b.Store.ListBillsForYear(ctx, clientID, fiscalYear)
	if err != nil {
		return nil, err
	}
	credits, err := b.Store.ListCreditBalances(ctx, clientID)
	if err != nil {
		return nil, err
	}

	creditByUnit := make(map[UnitID]Money, len(credits))
	for _, c := range credits {
		creditByUnit[c.UnitID] = c.Balance
	}

	byUnit := make(map[UnitID][]*Bill)
	for _, bill := range bills {
		byUnit[bill.UnitID] = append(byUnit[bill.UnitID], bill)
	}

	view := &AggregatedView{
		ClientID:   clientID,
		FiscalYear: fiscalYear,
		Units:      make(map[UnitID]*UnitYear, len(byUnit)),
		BuiltAt:    b.now(),
	}
	for unitID, unitBills := range byUnit {
		view.Units[unitID] = b.buildUnit(fiscalYear, unitID, unitBills, creditByUnit[unitID])
	}

	// The caller keeps the freshly built value; the cache gets its own copy
	// so later patches never write into a view someone is reading.
	b.mu.Lock()
	b.cache[viewKey{clientID, fiscalYear}] = view.Clone()
	b.mu.Unlock()

	if err := b.Store.SaveView(ctx, view); err != nil {
		return nil, err
	}
	return view, nil
}

// buildUnit computes one unit's slice: a single forward pass over its
// periods, deriving carryover, penalties, display fields, and the running
// overdue total. Display conversion to major units happens here and only
// here; the view is the boundary read model.
func (b *Builder) buildUnit(fiscalYear int, unitID UnitID, bills []*Bill, creditBalance Money) *UnitYear {
	byPeriod := make(map[int]*Bill, len(bills))
	for _, bill := range bills {
		// Copies: building a view must not mutate source bills.
		c := *bill
		byPeriod[bill.Period.Index] = &c
	}

	asOf := b.now()
	unit := &UnitYear{
		UnitID:        unitID,
		Periods:       make([]PeriodCell, PeriodsPerYear),
		CreditBalance: creditBalance,
		DisplayCredit: creditBalance.DisplayPesos(),
	}

	var carry Money
	var overdue Money // sum of prior-period outstanding
	seeded := false
	for i := 0; i < PeriodsPerYear; i++ {
		bill := byPeriod[i]
		if bill == nil {
			// No bill this period: carryover and overdue flow through.
			unit.Periods[i] = PeriodCell{
				Period:         PeriodID{FiscalYear: fiscalYear, Index: i},
				Status:         StatusNoBill,
				DisplayOverdue: overdue.DisplayPesos(),
			}
			continue
		}

		if !seeded {
			// The year's first bill carries the opening balance (prior
			// fiscal year's closing outstanding); preserve, don't derive.
			carry = bill.PreviousBalance
			seeded = true
		}
		bill.PreviousBalance = carry
		bill.PenaltyAmount = ComputePenalty(bill, asOf, b.Config.Penalty)
		bill.Status = bill.DeriveStatus()

		outstanding := bill.Outstanding()
		unit.Periods[i] = PeriodCell{
			Period:           bill.Period,
			DueDate:          bill.DueDate,
			Status:           bill.Status,
			BaseCharge:       bill.BaseCharge,
			PenaltyAmount:    bill.PenaltyAmount,
			PreviousBalance:  bill.PreviousBalance,
			PaidAmount:       bill.PaidAmount,
			ConsumptionM3:    bill.ConsumptionM3,
			DisplayDue:       outstanding.DisplayPesos(),
			DisplayPenalties: bill.PenaltyAmount.DisplayPesos(),
			DisplayOverdue:   overdue.DisplayPesos(),
		}

		overdue = overdue.Add(outstanding)
		carry = outstanding
	}

	unit.TotalDue = carry // the final carry IS the unit's total outstanding
	unit.DisplayTotal = unit.TotalDue.DisplayPesos()
	return unit
}

// PatchUnit replaces one unit's slice in the cached and persisted view.
// Only the surgical updater calls this; nothing else writes view cells.
func (b *Builder) PatchUnit(ctx context.Context, clientID ClientID, fiscalYear int, unit *UnitYear) error {
	key := viewKey{clientID, fiscalYear}

	b.mu.Lock()
	view := b.cache[key]
	var snapshot *AggregatedView
	if view != nil {
		view.Units[unit.UnitID] = unit.Clone()
		view.BuiltAt = b.now()
		// Snapshot under the lock: persistence serializes the view after
		// the lock is released, racing any next patch otherwise.
		snapshot = view.Clone()
	}
	b.mu.Unlock()

	if snapshot == nil {
		// Nothing cached: the next Build will produce a fresh view anyway.
		return nil
	}
	return b.Store.SaveView(ctx, snapshot)
}

// BuildUnitSlice rebuilds one unit's slice from its bills and credit.
// Used by the surgical updater after a mutation.
func (b *Builder) BuildUnitSlice(ctx context.Context, clientID ClientID, fiscalYear int, unitID UnitID) (*UnitYear, error) {
	bills, err := b.Store.ListUnitBills(ctx, clientID, fiscalYear, unitID)
	if err != nil {
		return nil, err
	}
	var creditBalance Money
	if credit, err := b.Store.GetCredit(ctx, clientID, unitID); err != nil {
		return nil, err
	} else if credit != nil {
		creditBalance = credit.Balance
	}
	if len(bills) == 0 {
		return &UnitYear{
			UnitID:        unitID,
			Periods:       make([]PeriodCell, PeriodsPerYear),
			CreditBalance: creditBalance,
			DisplayCredit: creditBalance.DisplayPesos(),
		}, nil
	}
	return b.buildUnit(fiscalYear, unitID, bills, creditBalance), nil
}

// Invalidate drops a cached view. Safe at any time.
func (b *Builder) Invalidate(clientID ClientID, fiscalYear int) {
	b.mu.Lock()
	delete(b.cache, viewKey{clientID, fiscalYear})
	b.mu.Unlock()
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
