package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - One billing cycle (a month) inside a fiscal year
// =============================================================================

// PeriodsPerYear is fixed: monthly billing within an annual fiscal cycle.
const PeriodsPerYear = 12

// PeriodID identifies one billing period. FiscalYear is labeled by the
// calendar year in which the fiscal year STARTS (FY 2026 with a July start
// runs Jul 2026 - Jun 2027). Index is 0-based within the fiscal year.
type PeriodID struct {
	FiscalYear int `json:"fiscal_year"`
	Index      int `json:"index"`
}

// NewPeriodID returns the period for a fiscal year and 0-based index.
func NewPeriodID(fiscalYear, index int) PeriodID {
	return PeriodID{FiscalYear: fiscalYear, Index: index}
}

// Valid reports whether the period index is in range.
func (p PeriodID) Valid() bool {
	return p.Index >= 0 && p.Index < PeriodsPerYear && p.FiscalYear > 0
}

// Before reports whether p is an earlier period than other.
// This ordering is the fixed oldest-first tie-break rule used by the
// payment distributor; it is deliberately not configurable.
func (p PeriodID) Before(other PeriodID) bool {
	if p.FiscalYear != other.FiscalYear {
		return p.FiscalYear < other.FiscalYear
	}
	return p.Index < other.Index
}

func (p PeriodID) Equal(other PeriodID) bool {
	return p.FiscalYear == other.FiscalYear && p.Index == other.Index
}

// Next returns the following period, rolling into the next fiscal year.
func (p PeriodID) Next() PeriodID {
	if p.Index+1 >= PeriodsPerYear {
		return PeriodID{FiscalYear: p.FiscalYear + 1, Index: 0}
	}
	return PeriodID{FiscalYear: p.FiscalYear, Index: p.Index + 1}
}

// CalendarMonth resolves the period to a calendar (year, month) given the
// fiscal year start month.
func (p PeriodID) CalendarMonth(fiscalStart time.Month) (int, time.Month) {
	offset := int(fiscalStart) - 1 + p.Index
	return p.FiscalYear + offset/12, time.Month(offset%12 + 1)
}

// String renders as e.g. "FY2026-P03".
func (p PeriodID) String() string {
	return fmt.Sprintf("FY%d-P%02d", p.FiscalYear, p.Index)
}

// PeriodFor returns the period containing the given calendar date.
func PeriodFor(date time.Time, fiscalStart time.Month) PeriodID {
	year, month := date.Year(), date.Month()
	offset := int(month) - int(fiscalStart)
	if offset < 0 {
		offset += 12
		year--
	}
	return PeriodID{FiscalYear: year, Index: offset}
}

// =============================================================================
// DUE-DATE POLICY
// =============================================================================

// DueDateFor computes a period's due date under the bill-period day-N
// policy: the configured day of the month FOLLOWING the billing period.
// A March bill with dueDay 10 is due April 10.
//
// The alternative "import date plus 10 days" policy seen in older data is
// intentionally not supported; the due date must be derivable from the
// period alone so that penalty recomputation is pure.
func DueDateFor(period PeriodID, fiscalStart time.Month, dueDay int) time.Time {
	year, month := period.CalendarMonth(fiscalStart)
	// Normalized by time.Date: month+1 in December rolls into January.
	return time.Date(year, month+1, dueDay, 0, 0, 0, 0, time.UTC)
}
