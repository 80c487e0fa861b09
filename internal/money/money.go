// Package money implements fixed-point arithmetic for prices and amounts.
//
// Prices and share/collateral amounts are never represented as floating
// point on the hot path: both are signed 64-bit integers scaled by Scale
// (1e8), and multiplication between them is done with a 128-bit
// intermediate so large trades don't silently overflow.
package money

import (
	"fmt"
	"math/bits"
)

// Scale is the fixed-point scale factor: both Price and Amount carry 8
// fractional digits.
const Scale int64 = 100_000_000

// Price is a probability in (0,1), stored as round(price * Scale).
type Price int64

// Amount is a fixed-point quantity (shares or collateral units).
type Amount int64

// Valid reports whether p lies in the open interval (0,1).
func (p Price) Valid() bool {
	return p > 0 && p < Price(Scale)
}

// Complement returns 1 - p.
func (p Price) Complement() Price {
	return Price(Scale) - p
}

// Edge returns the smaller of p and its complement, i.e. the distance
// from a trivial (always-resolves) outcome.
func (p Price) Edge() Price {
	c := p.Complement()
	if p < c {
		return p
	}
	return c
}

// Float returns the decimal value of p, for display/serialization only.
func (p Price) Float() float64 {
	return float64(p) / float64(Scale)
}

// PriceFromFloat converts a decimal probability to a Price, rounding to
// the nearest fixed-point tick. For display/deserialization at the edges
// only — never on the matching hot path.
func PriceFromFloat(f float64) Price {
	return Price(int64(f*float64(Scale) + sign(f)*0.5))
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

func (p Price) String() string {
	return fmt.Sprintf("%.8f", p.Float())
}

// Float returns the decimal value of a, for display/serialization only.
func (a Amount) Float() float64 {
	return float64(a) / float64(Scale)
}

// AmountFromFloat converts a decimal quantity to an Amount.
func AmountFromFloat(f float64) Amount {
	return Amount(int64(f*float64(Scale) + sign(f)*0.5))
}

func (a Amount) String() string {
	return fmt.Sprintf("%.8f", a.Float())
}

// PriceFromRatio computes the fixed-point price equal to numerator /
// denominator, e.g. converting a fee charged on a trade into a
// per-share price adjustment for cost-basis accounting. Returns 0 if
// denominator is 0.
func PriceFromRatio(numerator, denominator Amount) Price {
	if denominator == 0 {
		return 0
	}
	return Price(mulDiv(int64(numerator), Scale, int64(denominator)))
}

// MinAmount returns the smaller of a and b.
func MinAmount(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Mul computes p * a, both fixed-point at Scale, returning a fixed-point
// result at Scale. Uses a 128-bit intermediate product so the result is
// exact for any inputs that fit in an int64 at this scale.
func (p Price) Mul(a Amount) Amount {
	return Amount(mulDiv(int64(p), int64(a), Scale))
}

// mulDiv computes (x*y)/d exactly using 128-bit intermediate arithmetic,
// matching the sign of x*y/d. d must be positive.
func mulDiv(x, y, d int64) int64 {
	neg := false
	if x < 0 {
		neg = !neg
		x = -x
	}
	if y < 0 {
		neg = !neg
		y = -y
	}
	hi, lo := bits.Mul64(uint64(x), uint64(y))
	q, _ := bits.Div64(hi, lo, uint64(d))
	result := int64(q)
	if neg {
		result = -result
	}
	return result
}
