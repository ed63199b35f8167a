package query

import (
	"github.com/google/uuid"
)

// HedgerSummaryResponse aggregates a hedger's projected state.
type HedgerSummaryResponse struct {
	OwnerID uuid.UUID `json:"owner_id"`

	// Aggregated over active positions
	ActivePositions int64 `json:"active_positions"`
	TotalMargin     int64 `json:"total_margin"`
	TotalExposure   int64 `json:"total_exposure"`
	TotalFilled     int64 `json:"total_filled"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last projected audit sequence
}

// TotalsResponse reports system-wide aggregates from the projections.
type TotalsResponse struct {
	TotalMargin     int64 `json:"total_margin"`
	TotalExposure   int64 `json:"total_exposure"`
	FilledExposure  int64 `json:"filled_exposure"`
	ActivePositions int64 `json:"active_positions"`
	ActiveHedgers   int64 `json:"active_hedgers"`
	AsOfSequence    int64 `json:"as_of_sequence"`
}
