/*
Package billing implements the utility billing and payment allocation engine.

PURPOSE:
  This package contains the domain types and algorithms for per-unit water
  billing inside a multi-tenant HOA platform: penalty accrual, deterministic
  payment distribution across outstanding bills, credit-balance accounting,
  and incremental ("surgical") refresh of the cached aggregated view.

KEY CONCEPTS IN THIS FILE (types.go):
  - Bill:           One unit's charge for one billing period
  - PaymentRecord:  One payment's contribution to one bill (cash/credit split)
  - CreditBalance:  A unit's standing credit with append-only history
  - AggregatedView: Per-fiscal-year read model with UI-ready display fields

DESIGN PRINCIPLES:
  1. Exact integers: every amount is Money (int64 centavos), see money.go
  2. Derived state: Bill.Status and PaidAmount are derived from Payments,
     never set independently
  3. Append-only credit history: corrections append, they never edit
  4. The AggregatedView is a cache: derivable from bills + credit alone,
     safe to discard and rebuild at any time

SEE ALSO:
  - penalty.go:    Penalty accrual
  - distribute.go: Payment distribution
  - aggregate.go:  AggregatedView construction
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ClientID identifies a tenant (an HOA client). Clients are fully
// independent; no operation ever spans two clients.
type ClientID string

// UnitID identifies a property unit within a client.
type UnitID string

// =============================================================================
// BILL - One unit's charge for one billing period
// =============================================================================

type BillStatus string

const (
	StatusUnpaid  BillStatus = "unpaid"
	StatusPartial BillStatus = "partial"
	StatusPaid    BillStatus = "paid"
	StatusNoBill  BillStatus = "no-bill" // unit had no service this period
)

// PaymentRecord is one payment's contribution to one bill. The cash/credit
// split is recorded per bill so every centavo in an allocation is auditable.
type PaymentRecord struct {
	Amount         Money     `json:"amount"` // CashAmount + CreditAmount
	CashAmount     Money     `json:"cash_amount"`
	CreditAmount   Money     `json:"credit_amount"`
	TransactionRef string    `json:"transaction_ref"`
	Date           time.Time `json:"date"`
}

// Bill is one unit's charge for one billing period.
//
// INVARIANTS:
//   - PaidAmount == sum of Payments[].Amount
//   - Status is fully derived from (PaidAmount, BaseCharge, PenaltyAmount,
//     PreviousBalance); see DeriveStatus
//   - Payments is append-only; an entry is removed only by an atomic reversal
//
// PenaltyAmount and PreviousBalance are maintained by the surgical update
// service (and refreshed in-transaction before any distribution); they are
// always recomputable from the unit's bill chain, so a stale value is a
// stale cache, never a lost fact.
type Bill struct {
	ClientID ClientID  `json:"client_id"`
	UnitID   UnitID    `json:"unit_id"`
	Period   PeriodID  `json:"period"`
	DueDate  time.Time `json:"due_date"`

	BaseCharge      Money `json:"base_charge"`
	PenaltyAmount   Money `json:"penalty_amount"`
	PreviousBalance Money `json:"previous_balance"` // carryover from earlier periods
	PaidAmount      Money `json:"paid_amount"`

	Payments []PaymentRecord `json:"payments"`
	Status   BillStatus      `json:"status"`

	// Meter data captured at bill generation.
	MeterStart    int `json:"meter_start"`
	MeterEnd      int `json:"meter_end"`
	ConsumptionM3 int `json:"consumption_m3"`

	// Version is the optimistic-concurrency token managed by the store.
	// Zero means "not yet persisted".
	Version int64 `json:"version,omitempty"`
}

// TotalOwed is the full amount owed for this period: base + penalty + carryover.
func (b *Bill) TotalOwed() Money {
	return b.BaseCharge.Add(b.PenaltyAmount).Add(b.PreviousBalance)
}

// Outstanding is what remains owed, floored at zero.
func (b *Bill) Outstanding() Money {
	return b.TotalOwed().Sub(b.PaidAmount).ClampZero()
}

// DeriveStatus returns the status implied by the bill's amounts.
func (b *Bill) DeriveStatus() BillStatus {
	if b.BaseCharge.IsZero() && b.PreviousBalance.IsZero() && b.PenaltyAmount.IsZero() {
		return StatusNoBill
	}
	switch {
	case b.PaidAmount >= b.TotalOwed():
		return StatusPaid
	case b.PaidAmount.IsPositive():
		return StatusPartial
	default:
		return StatusUnpaid
	}
}

// Recompute re-derives PaidAmount and Status from Payments. Every mutation
// of Payments must be followed by Recompute; the store rejects bills whose
// derived fields are stale (see CheckInvariants).
func (b *Bill) Recompute() {
	var paid Money
	for _, p := range b.Payments {
		paid = paid.Add(p.Amount)
	}
	b.PaidAmount = paid
	b.Status = b.DeriveStatus()
}

// PaidTowardBase returns how much of the payments made on or before asOf
// went to the base charge. Within a bill, payments retire the previous
// balance first, then the base, then penalties (oldest debt first, matching
// the engine-wide oldest-first rule). Penalty accrual only ever looks at
// the unpaid base.
func (b *Bill) PaidTowardBase(asOf time.Time) Money {
	var paid Money
	for _, p := range b.Payments {
		if !p.Date.After(asOf) {
			paid = paid.Add(p.Amount)
		}
	}
	towardBase := paid.Sub(b.PreviousBalance)
	if towardBase.IsNegative() {
		return 0
	}
	return towardBase.Min(b.BaseCharge)
}

// CheckInvariants verifies the bill's internal consistency.
// A violation is an InconsistentStateError: it is surfaced, never repaired,
// because silent correction of financial data hides the defect that caused it.
func (b *Bill) CheckInvariants() error {
	var paid Money
	for _, p := range b.Payments {
		if p.Amount != p.CashAmount.Add(p.CreditAmount) {
			return &InconsistentStateError{
				Entity: fmt.Sprintf("bill %s/%s", b.UnitID, b.Period),
				Detail: fmt.Sprintf("payment %s: amount %s != cash %s + credit %s",
					p.TransactionRef, p.Amount, p.CashAmount, p.CreditAmount),
			}
		}
		paid = paid.Add(p.Amount)
	}
	if paid != b.PaidAmount {
		return &InconsistentStateError{
			Entity: fmt.Sprintf("bill %s/%s", b.UnitID, b.Period),
			Detail: fmt.Sprintf("paidAmount %s != sum(payments) %s", b.PaidAmount, paid),
		}
	}
	if got, want := b.Status, b.DeriveStatus(); got != want {
		return &InconsistentStateError{
			Entity: fmt.Sprintf("bill %s/%s", b.UnitID, b.Period),
			Detail: fmt.Sprintf("status %q not derivable (want %q)", got, want),
		}
	}
	return nil
}

// =============================================================================
// CREDIT BALANCE - Standing credit per unit, with append-only history
// =============================================================================

type CreditReason string

const (
	CreditApplied  CreditReason = "applied"  // overpayment became credit
	CreditUsed     CreditReason = "used"     // credit consumed by a distribution
	CreditRestored CreditReason = "restored" // reversal of a "used" entry
	CreditAdjusted CreditReason = "adjusted" // manual correction or reversal of "applied"
)

// CreditEntry is one signed change to a unit's credit balance.
// Entries are never edited; a reversal appends the opposite entry.
type CreditEntry struct {
	Amount         Money        `json:"amount"` // signed
	Reason         CreditReason `json:"reason"`
	TransactionRef string       `json:"transaction_ref"`
	Timestamp      time.Time    `json:"timestamp"`
}

// CreditBalance is a unit's standing credit. Balance must never go negative
// and must always equal the signed sum of History.
type CreditBalance struct {
	ClientID ClientID      `json:"client_id"`
	UnitID   UnitID        `json:"unit_id"`
	Balance  Money         `json:"balance"`
	History  []CreditEntry `json:"history"`
	Version  int64         `json:"version,omitempty"`
}

// CheckInvariants verifies balance == signed sum of history and balance >= 0.
func (c *CreditBalance) CheckInvariants() error {
	var sum Money
	for _, e := range c.History {
		sum = sum.Add(e.Amount)
	}
	if sum != c.Balance {
		return &InconsistentStateError{
			Entity: fmt.Sprintf("credit %s/%s", c.ClientID, c.UnitID),
			Detail: fmt.Sprintf("balance %s != sum(history) %s", c.Balance, sum),
		}
	}
	if c.Balance.IsNegative() {
		return &InconsistentStateError{
			Entity: fmt.Sprintf("credit %s/%s", c.ClientID, c.UnitID),
			Detail: fmt.Sprintf("negative balance %s", c.Balance),
		}
	}
	return nil
}

// =============================================================================
// AGGREGATED VIEW - Per-fiscal-year read model (a cache, not a source of truth)
// =============================================================================

// PeriodCell is one (unit, period) cell of the aggregated view: the bill
// fields plus fully resolved display amounts in major units. Display fields
// are derivable purely from the bill and credit balance; consumers never do
// further conversion or summation.
type PeriodCell struct {
	Period  PeriodID   `json:"period"`
	DueDate time.Time  `json:"due_date"`
	Status  BillStatus `json:"status"`

	BaseCharge      Money `json:"base_charge"`
	PenaltyAmount   Money `json:"penalty_amount"`
	PreviousBalance Money `json:"previous_balance"`
	PaidAmount      Money `json:"paid_amount"`
	ConsumptionM3   int   `json:"consumption_m3"`

	DisplayDue       float64 `json:"display_due"`       // max(0, outstanding) in pesos
	DisplayPenalties float64 `json:"display_penalties"` // penalty in pesos
	DisplayOverdue   float64 `json:"display_overdue"`   // sum of prior-period outstanding, pesos
}

// UnitYear is one unit's slice of the aggregated view.
type UnitYear struct {
	UnitID        UnitID       `json:"unit_id"`
	Periods       []PeriodCell `json:"periods"` // indexed 0..PeriodsPerYear-1
	CreditBalance Money        `json:"credit_balance"`
	DisplayCredit float64      `json:"display_credit"`
	TotalDue      Money        `json:"total_due"`
	DisplayTotal  float64      `json:"display_total"`
}

// AggregatedView is the per-fiscal-year, per-client read model. It is
// rebuilt wholesale on first access, patched surgically after mutations,
// and always safe to throw away.
type AggregatedView struct {
	ClientID   ClientID             `json:"client_id"`
	FiscalYear int                  `json:"fiscal_year"`
	Units      map[UnitID]*UnitYear `json:"units"`
	BuiltAt    time.Time            `json:"built_at"`
}

// Clone deep-copies the unit slice. Handed-out slices must never share
// memory with the builder's cache.
func (u *UnitYear) Clone() *UnitYear {
	out := *u
	out.Periods = append([]PeriodCell(nil), u.Periods...)
	return &out
}

// Clone deep-copies the view. Readers hold no lock, so every view that
// leaves the builder or the store is a private copy.
func (v *AggregatedView) Clone() *AggregatedView {
	out := *v
	out.Units = make(map[UnitID]*UnitYear, len(v.Units))
	for id, unit := range v.Units {
		out.Units[id] = unit.Clone()
	}
	return &out
}

// =============================================================================
// CONFIG - Per-client billing configuration
// =============================================================================

// PenaltyConfig controls penalty accrual. Rate is a per-period fraction
// (0.05 = 5% per month past grace).
type PenaltyConfig struct {
	GracePeriodDays int
	Rate            decimal.Decimal
	Compound        bool
}

// Config is the per-client billing configuration, parsed by the factory
// package from the client's stored JSON config.
type Config struct {
	FiscalYearStart time.Month // month the fiscal year starts (e.g. July)
	DueDay          int        // day-of-month of the month after the period
	Penalty         PenaltyConfig

	// Bill generation tariff.
	RatePerM3     Money // charge per cubic meter
	MinimumCharge Money // floor applied to generated bills
}

// DueDate returns the due date for a period under this config.
func (c Config) DueDate(period PeriodID) time.Time {
	return DueDateFor(period, c.FiscalYearStart, c.DueDay)
}
