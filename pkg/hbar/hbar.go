// Package hbar defines the fixed-point money type used throughout the engine.
// All balances, margins and PnL are carried as integer tinybars (1 HBAR = 1e8
// tinybars) so that conservation checks are exact. Floats appear only in curve
// math and probability prices and are rounded to 8 fractional digits at every
// boundary crossing.
package hbar

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Tinybar is an amount of value in tinybars. 1 HBAR = 1e8 tinybars.
type Tinybar int64

const PerHbar = 100_000_000

// FromHbar converts a whole-HBAR float into tinybars, rounding half away
// from zero at the 8th fractional digit.
func FromHbar(h float64) Tinybar {
	return Tinybar(math.Round(h * PerHbar))
}

// FromDecimal converts a decimal HBAR amount into tinybars. Used at the LMSR
// boundary where costs are computed in decimal form.
func FromDecimal(d decimal.Decimal) Tinybar {
	return Tinybar(d.Shift(8).Round(0).IntPart())
}

// Hbar returns the amount as a float of whole HBAR. Display only.
func (t Tinybar) Hbar() float64 { return float64(t) / PerHbar }

// Decimal returns the amount as a decimal of whole HBAR.
func (t Tinybar) Decimal() decimal.Decimal { return decimal.New(int64(t), -8) }

func (t Tinybar) String() string { return fmt.Sprintf("%.8f", t.Hbar()) }

// MulFrac scales the amount by num/den, rounding half away from zero.
// den must be non-zero.
func (t Tinybar) MulFrac(num, den int64) Tinybar {
	if den == 0 {
		panic("hbar: zero denominator")
	}
	return Tinybar(math.Round(float64(t) * float64(num) / float64(den)))
}

// MulFloat scales the amount by f, rounding half away from zero.
func (t Tinybar) MulFloat(f float64) Tinybar {
	return Tinybar(math.Round(float64(t) * f))
}

// Min returns the smaller of two amounts.
func Min(a, b Tinybar) Tinybar {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of two amounts.
func Max(a, b Tinybar) Tinybar {
	if a > b {
		return a
	}
	return b
}

// Round8 rounds a probability or ratio to 8 fractional digits. Applied to
// every float that crosses a persistence or interface boundary.
func Round8(f float64) float64 {
	return math.Round(f*1e8) / 1e8
}
