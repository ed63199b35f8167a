package fxmath

import "math/big"

// SecondsPerYear is the accrual basis for interest-differential rewards.
const SecondsPerYear = int64(365 * 24 * 60 * 60)

// InterestDifferential computes the carry reward earned by holding EUR
// exposure against USD collateral:
//
//	reward = exposure * (eurRateBps - usdRateBps) / 10000 * elapsed / year
//
// A negative differential yields zero — the ledger never claws back rewards.
func InterestDifferential(exposure, eurRateBps, usdRateBps, elapsedSeconds int64) int64 {
	diff := eurRateBps - usdRateBps
	if diff <= 0 || exposure <= 0 || elapsedSeconds <= 0 {
		return 0
	}

	// exposure * diff * elapsed can exceed int64; go through big.Int.
	numerator := MulInt128(exposure, diff)
	numerator.Mul(numerator, big.NewInt(elapsedSeconds))

	denominator := getInt128()
	denominator.Mul(big.NewInt(BpsDenominator), big.NewInt(SecondsPerYear))

	quotient := getInt128()
	quotient.Quo(numerator, denominator)
	result := quotient.Int64()

	putInt128(numerator)
	putInt128(denominator)
	putInt128(quotient)

	return result
}
