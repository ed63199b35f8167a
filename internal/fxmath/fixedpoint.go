package fxmath

import (
	"math/big"
	"sync"
)

// Fixed-point scales. Stable-asset amounts (margin, exposure, fees, PnL)
// carry 6 decimals; EUR/USD rates carry 18 decimals; ratios and fees are
// expressed in basis points.
const (
	AmountDecimals = 6
	AmountScale    = int64(1_000_000)

	RateDecimals = 18
	RateScale    = int64(1_000_000_000_000_000_000)

	BpsDenominator = int64(10_000)
)

// Field maxima. The storage layer the original design packed these fields
// into is irrelevant here; what matters is that every amount and rate stays
// inside a range where the int64 representation cannot wrap, and that any
// mutation crossing the bound fails instead of wrapping.
const (
	// MaxAmount bounds per-position amounts: 10^18 micro-USD (one trillion USD).
	MaxAmount = int64(1_000_000_000_000_000_000)

	// MaxAggregate bounds protocol-wide sums (total margin, total exposure).
	MaxAggregate = int64(4_000_000_000_000_000_000)

	// MaxRate bounds EUR/USD rates to 5.0 at 18 decimals.
	MaxRate = int64(5_000_000_000_000_000_000)
)

// RoundingMode selects how DivInt128 treats the remainder.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding
	RoundDown
	RoundUp
)

// int128Pool recycles big.Ints for intermediate products that exceed int64.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulInt128 performs a * b in arbitrary precision.
func MulInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivInt128 performs numerator / denominator with the selected rounding and
// releases the numerator back to the pool.
func DivInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		// Negative remainders only occur with negative numerators; compare
		// magnitudes so gains and losses round symmetrically.
		absRem := getInt128().Abs(remainder)
		half := big.NewInt(denominator / 2)
		cmp := absRem.Cmp(half)
		if cmp > 0 || (cmp == 0 && denominator%2 == 0 && result%2 != 0) {
			if numerator.Sign() < 0 {
				result--
			} else {
				result++
			}
		}
		putInt128(absRem)
	case RoundUp:
		if remainder.Sign() != 0 {
			if numerator.Sign() < 0 {
				result--
			} else {
				result++
			}
		}
	case RoundDown:
		// Quo already truncates toward zero.
	}

	putInt128(quotient)
	putInt128(remainder)
	putInt128(numerator)

	return result
}

// HedgePnL computes the signed profit of a EUR-long exposure:
//
//	pnl = (currentRate - entryRate) * positionSize / entryRate
//
// Rates are 18-decimal, positionSize and the result 6-decimal. Symmetric for
// gains and losses; half-even rounding.
func HedgePnL(currentRate, entryRate, positionSize int64) int64 {
	if entryRate == 0 || positionSize == 0 {
		return 0
	}
	numerator := MulInt128(currentRate-entryRate, positionSize)
	return DivInt128(numerator, entryRate, RoundHalfEven)
}

// MarginRatioBps returns (margin + unrealized pnl) / positionSize in basis
// points. A position with no exposure is treated as infinitely collateralized.
func MarginRatioBps(margin, unrealizedPnL, positionSize int64) int64 {
	if positionSize == 0 {
		return int64(^uint64(0) >> 1) // MaxInt64
	}
	numerator := MulInt128(margin+unrealizedPnL, BpsDenominator)
	return DivInt128(numerator, positionSize, RoundDown)
}

// BpsOf returns amount * bps / 10000, truncated. Used for fees and the
// liquidation penalty, which always round in the protocol's favor.
func BpsOf(amount, bps int64) int64 {
	numerator := MulInt128(amount, bps)
	return DivInt128(numerator, BpsDenominator, RoundDown)
}

// ProRata returns amount * share / total, truncated. The fill allocator uses
// this per position and assigns the leftover dust explicitly, so truncation
// here never loses volume.
func ProRata(amount, share, total int64) int64 {
	if total == 0 || share == 0 {
		return 0
	}
	numerator := MulInt128(amount, share)
	return DivInt128(numerator, total, RoundDown)
}

// CheckedAdd returns a+b and whether the sum stays within [0, bound].
func CheckedAdd(a, b, bound int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	if sum < 0 || sum > bound {
		return 0, false
	}
	return sum, true
}

// ValidAmount reports whether v is a well-formed positive amount.
func ValidAmount(v int64) bool {
	return v > 0 && v <= MaxAmount
}

// ValidRate reports whether v is a well-formed positive rate.
func ValidRate(v int64) bool {
	return v > 0 && v <= MaxRate
}
