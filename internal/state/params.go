package state

import "fmt"

// CoreParams is the governance-controlled risk and fee configuration, kept in
// one record so every operation reads a consistent set.
// Ratios and fees are basis points; interest rates are annualized basis points.
type CoreParams struct {
	MinMarginRatioBps       int64 // minimum margin/exposure for removeMargin
	LiquidationThresholdBps int64 // liquidation trigger, strictly below the minimum
	MaxLeverage             int64
	LiquidationPenaltyBps   int64 // fraction of margin paid to the liquidator
	EntryFeeBps             int64 // on notional at open
	ExitFeeBps              int64 // on payout at close
	MarginFeeBps            int64 // on removeMargin amount
	EURRateBps              int64 // annualized EUR interest rate
	USDRateBps              int64 // annualized USD interest rate
}

// DefaultParams returns the launch configuration.
func DefaultParams() CoreParams {
	return CoreParams{
		MinMarginRatioBps:       1_000, // 10%
		LiquidationThresholdBps: 500,   // 5%
		MaxLeverage:             10,
		LiquidationPenaltyBps:   500, // 5% of margin
		EntryFeeBps:             10,
		ExitFeeBps:              10,
		MarginFeeBps:            0,
		EURRateBps:              300,
		USDRateBps:              200,
	}
}

// ValidateParams checks that a parameter set is internally coherent:
// threshold strictly below the minimum ratio, leverage and fees bounded.
func ValidateParams(p CoreParams) error {
	if p.MinMarginRatioBps <= 0 || p.MinMarginRatioBps >= 10_000 {
		return fmt.Errorf("%w: min margin ratio %d bps", ErrInvalidParams, p.MinMarginRatioBps)
	}
	if p.LiquidationThresholdBps <= 0 || p.LiquidationThresholdBps >= p.MinMarginRatioBps {
		return fmt.Errorf("%w: liquidation threshold %d bps must be in (0, %d)",
			ErrInvalidParams, p.LiquidationThresholdBps, p.MinMarginRatioBps)
	}
	if p.MaxLeverage < 1 || p.MaxLeverage > 100 {
		return fmt.Errorf("%w: max leverage %d", ErrInvalidParams, p.MaxLeverage)
	}
	if p.LiquidationPenaltyBps < 0 || p.LiquidationPenaltyBps > 2_000 {
		return fmt.Errorf("%w: liquidation penalty %d bps", ErrInvalidParams, p.LiquidationPenaltyBps)
	}
	for _, fee := range []int64{p.EntryFeeBps, p.ExitFeeBps, p.MarginFeeBps} {
		if fee < 0 || fee > 500 {
			return fmt.Errorf("%w: fee %d bps", ErrInvalidParams, fee)
		}
	}
	if p.EURRateBps < 0 || p.EURRateBps > 10_000 || p.USDRateBps < 0 || p.USDRateBps > 10_000 {
		return fmt.Errorf("%w: interest rates %d/%d bps", ErrInvalidParams, p.EURRateBps, p.USDRateBps)
	}
	return nil
}

// ParamStore holds the live parameter set. Reads return a copy; updates are
// validated and replace the whole record.
type ParamStore struct {
	params CoreParams
}

func NewParamStore() *ParamStore {
	return &ParamStore{params: DefaultParams()}
}

func NewParamStoreWith(p CoreParams) (*ParamStore, error) {
	if err := ValidateParams(p); err != nil {
		return nil, err
	}
	return &ParamStore{params: p}, nil
}

func (s *ParamStore) Get() CoreParams {
	return s.params
}

func (s *ParamStore) Update(p CoreParams) error {
	if err := ValidateParams(p); err != nil {
		return err
	}
	s.params = p
	return nil
}
