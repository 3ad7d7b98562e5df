// Package credit implements the platform's monetary value object.
//
// A Credit is an immutable amount expressed in integer raw units at a
// fixed scale of 10^9 per dollar (1 cent = 10^7 raw units). Every ledger
// delta and every meter row stores raw units; arithmetic never leaves the
// integer domain.
package credit

import (
	"fmt"
	"math"
)

// Scale is the number of raw units per dollar.
const Scale int64 = 1_000_000_000

// RawPerCent is the number of raw units per cent.
const RawPerCent int64 = Scale / 100

// MaxRaw is the largest raw value accepted from external input. It is
// 2^53-1 so values survive a round-trip through JSON number consumers.
const MaxRaw int64 = 1<<53 - 1

// Credit is an immutable monetary amount in raw units.
type Credit struct {
	raw int64
}

// Zero is the zero amount.
var Zero = Credit{}

// FromRaw builds a Credit from raw units. Values outside [−MaxRaw, MaxRaw]
// are rejected.
func FromRaw(raw int64) (Credit, error) {
	if raw > MaxRaw || raw < -MaxRaw {
		return Zero, fmt.Errorf("credit: raw value %d exceeds safe range", raw)
	}
	return Credit{raw: raw}, nil
}

// MustRaw is FromRaw for trusted inputs (internal constants, DB rows that
// were validated on write). Panics on out-of-range values.
func MustRaw(raw int64) Credit {
	c, err := FromRaw(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// FromCents builds a Credit from a whole number of cents.
func FromCents(cents int64) Credit {
	return Credit{raw: cents * RawPerCent}
}

// FromDollars builds a Credit from a whole number of dollars.
func FromDollars(dollars int64) Credit {
	return Credit{raw: dollars * Scale}
}

// Raw returns the raw unit count.
func (c Credit) Raw() int64 { return c.raw }

// Add returns c + o.
func (c Credit) Add(o Credit) Credit { return Credit{raw: c.raw + o.raw} }

// Sub returns c − o. The result may be negative.
func (c Credit) Sub(o Credit) Credit { return Credit{raw: c.raw - o.raw} }

// Neg returns −c.
func (c Credit) Neg() Credit { return Credit{raw: -c.raw} }

// MulFloat scales c by a factor (margin application). The product is
// truncated toward zero back into raw units.
func (c Credit) MulFloat(f float64) Credit {
	return Credit{raw: int64(math.Trunc(float64(c.raw) * f))}
}

// Cmp returns -1, 0 or 1 comparing c against o.
func (c Credit) Cmp(o Credit) int {
	switch {
	case c.raw < o.raw:
		return -1
	case c.raw > o.raw:
		return 1
	default:
		return 0
	}
}

// IsNegative reports whether the amount is below zero.
func (c Credit) IsNegative() bool { return c.raw < 0 }

// IsZero reports whether the amount is exactly zero.
func (c Credit) IsZero() bool { return c.raw == 0 }

// IsPositive reports whether the amount is above zero.
func (c Credit) IsPositive() bool { return c.raw > 0 }

// ToCentsFloor converts to whole cents rounding toward negative
// infinity. Outbound payments use this so the platform never pays out a
// fraction of a cent it does not hold.
func (c Credit) ToCentsFloor() int64 {
	if c.raw >= 0 {
		return c.raw / RawPerCent
	}
	// Floor division for negative values.
	q := c.raw / RawPerCent
	if c.raw%RawPerCent != 0 {
		q--
	}
	return q
}

// ToCentsRounded converts to whole cents rounding half away from zero.
// Display surfaces use this.
func (c Credit) ToCentsRounded() int64 {
	half := RawPerCent / 2
	if c.raw >= 0 {
		return (c.raw + half) / RawPerCent
	}
	return (c.raw - half) / RawPerCent
}

// String renders the amount in dollars with full sub-cent precision,
// e.g. "$0.002600000".
func (c Credit) String() string {
	raw := c.raw
	sign := ""
	if raw < 0 {
		sign = "-"
		raw = -raw
	}
	return fmt.Sprintf("%s$%d.%09d", sign, raw/Scale, raw%Scale)
}
