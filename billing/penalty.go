/*
penalty.go - Penalty accrual for overdue bills

PURPOSE:
  Computes the accrued penalty for a single bill as of a reference date.
  The calculation is PURE: stored bill + asOf date in, penalty out, no
  hidden state. That purity is what makes surgical updates possible -
  any unit's penalties can be recomputed in isolation at any time and
  the answer never drifts.

ACCRUAL MODEL:
  - No penalty while asOf <= dueDate + gracePeriodDays.
  - Past that threshold, one accrual per billing month. Month counting
    crosses calendar month boundaries: the first overdue day opens month 1,
    the next month boundary opens month 2, and so on.
  - Each month's accrual is rate x the base still unpaid AS OF that month's
    accrual date. The accrual date follows the same boundary convention as
    the count: month 1 accrues at the threshold itself, every later month
    at the first day of its calendar month. A backdated payment that
    satisfied the base in month 2 therefore suppresses months 3+
    automatically, and an accrual date never lies after asOf.
  - Simple mode accrues on unpaid base only; compound mode accrues on
    unpaid base plus previously accrued penalty.
  - Every accrual rounds half-up to the centavo before summing, so the
    stored penalty is always an exact centavo amount.

EDGE CASES:
  - A bill fully paid before its due date never accrues, no matter how
    late the recomputation runs.
  - A bill with zero base (no-bill period) never accrues.
*/
package billing

import "time"

// ComputePenalty returns the penalty accrued on a bill as of the given
// date. Pure and idempotent: identical inputs always produce identical
// output.
func ComputePenalty(bill *Bill, asOf time.Time, cfg PenaltyConfig) Money {
	if bill.BaseCharge.IsZero() || cfg.Rate.IsZero() {
		return 0
	}

	threshold := bill.DueDate.AddDate(0, 0, cfg.GracePeriodDays)
	months := monthsPast(threshold, asOf)
	if months == 0 {
		return 0
	}

	var penalty Money
	for m := 0; m < months; m++ {
		unpaidBase := bill.BaseCharge.Sub(bill.PaidTowardBase(accrualDate(threshold, m)))
		if !unpaidBase.IsPositive() {
			continue
		}
		accruingOn := unpaidBase
		if cfg.Compound {
			accruingOn = accruingOn.Add(penalty)
		}
		penalty = penalty.Add(accruingOn.MulRate(cfg.Rate))
	}
	return penalty
}

// accrualDate returns when overdue month m (zero-indexed) accrues: the
// threshold itself for the first month, the first day of the m-th calendar
// month after it for the rest. The same boundary that opens a month in
// monthsPast prices it, so a payment made between a boundary and asOf
// never suppresses a month that already accrued.
func accrualDate(threshold time.Time, m int) time.Time {
	if m == 0 {
		return threshold
	}
	y, mo, _ := threshold.Date()
	return time.Date(y, mo+time.Month(m), 1, 0, 0, 0, 0, threshold.Location())
}

// monthsPast counts overdue months between the grace threshold and asOf.
// Crossing the threshold at all opens month 1; each calendar month boundary
// after that opens another.
func monthsPast(threshold, asOf time.Time) int {
	if !asOf.After(threshold) {
		return 0
	}
	y1, m1, _ := threshold.Date()
	y2, m2, _ := asOf.Date()
	months := (y2-y1)*12 + int(m2-m1) + 1
	if months < 1 {
		return 1
	}
	return months
}
