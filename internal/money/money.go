// Package money provides fixed-point monetary arithmetic for the cart core.
//
// All amounts are stored in minor units (cents) as int64. Percentage math
// runs through shopspring/decimal and rounds half away from zero back to
// minor units, so repeated condition applications stay deterministic
// across platforms.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in minor units (e.g. cents).
type Amount int64

var hundred = decimal.NewFromInt(100)

// FromMajor converts a major-unit decimal (e.g. "19.99") to minor units.
// Values with sub-cent precision are rejected rather than silently rounded.
func FromMajor(d decimal.Decimal) (Amount, error) {
	minor := d.Mul(hundred)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-cent precision", d.String())
	}
	return Amount(minor.IntPart()), nil
}

// Major converts minor units to a major-unit decimal.
func Major(a Amount) decimal.Decimal {
	return decimal.NewFromInt(int64(a)).Div(hundred)
}

// Format renders an amount as a major-unit string with two decimal places.
func Format(a Amount) string {
	return Major(a).StringFixed(2)
}

// Percent computes pct% of base, rounded half away from zero to minor
// units. pct may be negative.
func Percent(base Amount, pct decimal.Decimal) Amount {
	d := decimal.NewFromInt(int64(base)).Mul(pct).Div(hundred)
	return Amount(d.Round(0).IntPart())
}

// ClampNonNegative floors an amount at zero.
func ClampNonNegative(a Amount) Amount {
	if a < 0 {
		return 0
	}
	return a
}
