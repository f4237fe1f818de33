/*
money.go - Exact-integer currency representation

PURPOSE:
  All monetary amounts inside the engine are integer centavos (minor units).
  Conversion to pesos (major units) happens exactly once, at the API boundary.
  This eliminates the double-conversion and float-rounding bugs that plague
  billing systems which mix major/minor units across layers.

KEY RULES:
  1. Storage and arithmetic: int64 centavos, always.
  2. Display: decimal pesos, produced by Pesos() / DisplayPesos().
  3. Rate math (penalties): decimal multiply, round half-up to the centavo.

WHY NOT float64?
  10.10 pesos is not representable in binary floating point. Summing a year
  of water bills in float64 drifts by centavos, and a billing engine that is
  off by one centavo is wrong, not approximately right.

SEE ALSO:
  - penalty.go: Uses MulRate for penalty accrual
  - api/dto.go: The only place Money becomes a major-unit number
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - int64 centavos
// =============================================================================

// Money is a monetary amount in integer centavos (minor currency units).
type Money int64

var centavosPerPeso = decimal.NewFromInt(100)

// NewMoney returns the amount of n centavos.
func NewMoney(centavos int64) Money { return Money(centavos) }

// FromPesos converts a major-unit decimal amount into centavos.
// Returns an error if the amount has sub-centavo precision: the API
// boundary must reject "123.456" rather than silently round it.
func FromPesos(pesos decimal.Decimal) (Money, error) {
	centavos := pesos.Mul(centavosPerPeso)
	if !centavos.IsInteger() {
		return 0, &ValidationError{Field: "amount", Message: fmt.Sprintf("sub-centavo precision: %s", pesos)}
	}
	return Money(centavos.IntPart()), nil
}

// MustFromPesos is FromPesos for trusted literals (config, tests).
func MustFromPesos(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	m, err := FromPesos(d)
	if err != nil {
		panic(err)
	}
	return m
}

// Pesos returns the major-unit decimal value.
func (m Money) Pesos() decimal.Decimal {
	return decimal.NewFromInt(int64(m)).Div(centavosPerPeso)
}

// DisplayPesos returns the major-unit value as a float64, fully resolved
// for UI consumption. Only the aggregation mapping step and the API DTOs
// may call this.
func (m Money) DisplayPesos() float64 {
	f, _ := m.Pesos().Float64()
	return f
}

// MulRate multiplies by a decimal rate (e.g. a 0.05 penalty rate) and
// rounds half-up to the nearest centavo.
func (m Money) MulRate(rate decimal.Decimal) Money {
	product := decimal.NewFromInt(int64(m)).Mul(rate)
	// decimal.Round rounds half away from zero; amounts here are non-negative,
	// so this is round-half-up.
	return Money(product.Round(0).IntPart())
}

// MulInt multiplies by an integer quantity (e.g. cubic meters consumed).
func (m Money) MulInt(n int) Money { return m * Money(n) }

func (m Money) Add(o Money) Money  { return m + o }
func (m Money) Sub(o Money) Money  { return m - o }
func (m Money) Neg() Money         { return -m }
func (m Money) IsZero() bool       { return m == 0 }
func (m Money) IsNegative() bool   { return m < 0 }
func (m Money) IsPositive() bool   { return m > 0 }
func (m Money) Min(o Money) Money {
	if m < o {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m > o {
		return m
	}
	return o
}

// ClampZero returns m, floored at zero.
func (m Money) ClampZero() Money {
	if m < 0 {
		return 0
	}
	return m
}

func (m Money) String() string {
	return m.Pesos().StringFixed(2)
}
