/*
distribute.go - Deterministic payment distribution across outstanding bills

PURPOSE:
  Allocates a cash payment plus the unit's available credit across its
  outstanding bills. Distribution is a pure calculation over bill copies;
  the service layer applies the resulting allocations transactionally.

RULES:
  1. Bills are walked OLDEST PERIOD FIRST. This is a fixed tie-break rule,
     not configuration: audits must be able to replay any allocation.
  2. Each bill's outstanding (base + penalty + carryover - paid) is fully
     satisfied before the next bill is touched.
  3. The bills form ONE carryover chain. The first bill's stored carryover
     seeds the chain (debt older than the window); every later bill's
     carryover is re-derived from the allocations just made, so the same
     debt is never counted once as an old bill's outstanding and again as
     a newer bill's carryover.
  4. Cash is spent before credit. Credit therefore never round-trips
     through a distribution: leftover CASH becomes new credit, while
     unconsumed credit simply stays where it was.
  5. Every allocation records its exact cash/credit split per bill.

TERMINAL CASES (all normal outcomes, not errors):
  - Underpayment: pool exhausted with bills remaining; touched bills end
    partial, no credit created.
  - Exact: pool exactly covers all outstanding.
  - Overpayment: all bills paid, leftover cash becomes credit.

CONSERVATION:
  cash + creditConsumed == sum(allocated) + creditCreated, always.
  The Verify method re-checks this; a violation is an engine defect.
*/
package billing

import (
	"fmt"
	"sort"
)

// Allocation records how much of a distribution landed on one bill.
type Allocation struct {
	UnitID       UnitID     `json:"unit_id"`
	Period       PeriodID   `json:"period"`
	Amount       Money      `json:"amount"`
	CashAmount   Money      `json:"cash_amount"`
	CreditAmount Money      `json:"credit_amount"`
	StatusAfter  BillStatus `json:"status_after"`
}

// DistributionResult is the outcome of distributing one payment.
type DistributionResult struct {
	Allocations    []Allocation
	CreditConsumed Money
	CreditCreated  Money

	// RemainingCredit is the unit's credit balance after the distribution:
	// available - consumed + created.
	RemainingCredit Money
}

// Verify re-checks the conservation property. A failure here means the
// engine created or destroyed money; it is surfaced, never papered over.
func (r *DistributionResult) Verify(payment, availableCredit Money) error {
	var allocated Money
	for _, a := range r.Allocations {
		if a.Amount != a.CashAmount.Add(a.CreditAmount) {
			return &InconsistentStateError{
				Entity: fmt.Sprintf("allocation %s/%s", a.UnitID, a.Period),
				Detail: fmt.Sprintf("amount %s != cash %s + credit %s", a.Amount, a.CashAmount, a.CreditAmount),
			}
		}
		allocated = allocated.Add(a.Amount)
	}
	if payment.Add(r.CreditConsumed) != allocated.Add(r.CreditCreated) {
		return &InconsistentStateError{
			Entity: "distribution",
			Detail: fmt.Sprintf("conservation violated: payment %s + creditConsumed %s != allocated %s + creditCreated %s",
				payment, r.CreditConsumed, allocated, r.CreditCreated),
		}
	}
	if r.RemainingCredit != availableCredit.Sub(r.CreditConsumed).Add(r.CreditCreated) {
		return &InconsistentStateError{
			Entity: "distribution",
			Detail: fmt.Sprintf("remaining credit %s inconsistent with available %s", r.RemainingCredit, availableCredit),
		}
	}
	return nil
}

// Distribute allocates payment + availableCredit across the given bills,
// oldest period first, walking them as one carryover chain. The bills
// slice is not mutated; StatusAfter on each allocation reports what the
// bill's status becomes once the allocation and the refreshed carryover
// are applied.
func Distribute(payment, availableCredit Money, bills []*Bill) (*DistributionResult, error) {
	if payment.IsNegative() {
		return nil, &ValidationError{Field: "amount", Message: "payment must not be negative"}
	}
	if availableCredit.IsNegative() {
		return nil, &ValidationError{Field: "credit", Message: "available credit must not be negative"}
	}

	ordered := make([]*Bill, len(bills))
	copy(ordered, bills)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Period.Before(ordered[j].Period)
	})

	result := &DistributionResult{}
	cashLeft := payment
	creditLeft := availableCredit

	var carry Money
	for i, bill := range ordered {
		if i == 0 {
			// Debt from before the window; younger bills' stored carry is
			// superseded by the chain being walked right here.
			carry = bill.PreviousBalance
		}
		after := *bill
		after.PreviousBalance = carry

		outstanding := after.Outstanding()
		if outstanding.IsZero() {
			carry = 0
			continue
		}
		if cashLeft.IsZero() && creditLeft.IsZero() {
			break
		}

		cashPart := cashLeft.Min(outstanding)
		creditPart := creditLeft.Min(outstanding.Sub(cashPart))
		applied := cashPart.Add(creditPart)
		if applied.IsZero() {
			break
		}

		cashLeft = cashLeft.Sub(cashPart)
		creditLeft = creditLeft.Sub(creditPart)
		result.CreditConsumed = result.CreditConsumed.Add(creditPart)

		after.PaidAmount = after.PaidAmount.Add(applied)
		result.Allocations = append(result.Allocations, Allocation{
			UnitID:       bill.UnitID,
			Period:       bill.Period,
			Amount:       applied,
			CashAmount:   cashPart,
			CreditAmount: creditPart,
			StatusAfter:  after.DeriveStatus(),
		})
		carry = after.Outstanding()
	}

	// Leftover cash after every bill is satisfied becomes new credit.
	result.CreditCreated = cashLeft
	result.RemainingCredit = availableCredit.Sub(result.CreditConsumed).Add(result.CreditCreated)

	if err := result.Verify(payment, availableCredit); err != nil {
		return nil, err
	}
	return result, nil
}
