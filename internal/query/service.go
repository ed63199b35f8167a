package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the projection tables.
// All responses carry as_of_sequence so callers can reason about
// freshness relative to the audit log.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPosition returns a single position by ID.
func (qs *QueryService) GetPosition(ctx context.Context, positionID uint64) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var p PositionResponse
	var closedAt sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT position_id, owner_id, margin, position_size, filled_volume,
		       entry_rate, leverage, status, opened_at, closed_at
		FROM projections.positions
		WHERE position_id = $1
	`, positionID).Scan(
		&p.PositionID, &p.OwnerID, &p.Margin, &p.PositionSize, &p.FilledVolume,
		&p.EntryRate, &p.Leverage, &p.Status, &p.OpenedAt, &closedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		v := closedAt.Int64
		p.ClosedAt = &v
	}
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// GetPositions returns all active positions for an owner.
func (qs *QueryService) GetPositions(ctx context.Context, ownerID uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, margin, position_size, filled_volume,
		       entry_rate, leverage, status, opened_at
		FROM projections.positions
		WHERE owner_id = $1 AND status = 'active'
		ORDER BY position_id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.OwnerID = ownerID
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.PositionID, &p.Margin, &p.PositionSize, &p.FilledVolume,
			&p.EntryRate, &p.Leverage, &p.Status, &p.OpenedAt,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetHedgerSummary aggregates an owner's active positions.
func (qs *QueryService) GetHedgerSummary(ctx context.Context, ownerID uuid.UUID) (*HedgerSummaryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var s HedgerSummaryResponse
	s.OwnerID = ownerID
	s.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(margin), 0),
		       COALESCE(SUM(position_size), 0),
		       COALESCE(SUM(filled_volume), 0)
		FROM projections.positions
		WHERE owner_id = $1 AND status = 'active'
	`, ownerID).Scan(&s.ActivePositions, &s.TotalMargin, &s.TotalExposure, &s.TotalFilled)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetTotals reports system-wide aggregates.
func (qs *QueryService) GetTotals(ctx context.Context) (*TotalsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var t TotalsResponse
	t.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT owner_id),
		       COALESCE(SUM(margin), 0),
		       COALESCE(SUM(position_size), 0),
		       COALESCE(SUM(filled_volume), 0)
		FROM projections.positions
		WHERE status = 'active'
	`).Scan(&t.ActivePositions, &t.ActiveHedgers, &t.TotalMargin, &t.TotalExposure, &t.FilledExposure)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetFillHistory returns fill changes for a position with cursor-based
// pagination (descending sequence).
func (qs *QueryService) GetFillHistory(
	ctx context.Context,
	positionID uint64,
	limit int,
	afterSequence *int64,
) ([]FillHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT position_id, old_filled, new_filled, sequence, timestamp
		FROM projections.fill_history
		WHERE position_id = $1
	`
	args := []interface{}{positionID}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FillHistoryResponse
	for rows.Next() {
		var h FillHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.PositionID, &h.OldFilled, &h.NewFilled, &h.Sequence, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetLiquidationHistory returns executed liquidations against an owner.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	ownerID uuid.UUID,
	limit int,
) ([]LiquidationResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, liquidator_id, margin_ratio_bps,
		       reward, owner_refund, sequence, timestamp
		FROM projections.liquidation_history
		WHERE owner_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		r.OwnerID = ownerID
		if err := rows.Scan(
			&r.PositionID, &r.LiquidatorID, &r.MarginRatioBps,
			&r.Reward, &r.OwnerRefund, &r.Sequence, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetRewardHistory returns reward claims for an owner.
func (qs *QueryService) GetRewardHistory(
	ctx context.Context,
	ownerID uuid.UUID,
	limit int,
) ([]RewardResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT interest_diff, yield_share, total, sequence, timestamp
		FROM projections.reward_history
		WHERE owner_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RewardResponse
	for rows.Next() {
		var r RewardResponse
		r.OwnerID = ownerID
		if err := rows.Scan(
			&r.InterestDiff, &r.YieldShare, &r.Total, &r.Sequence, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity over the audit log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM audit_log.events e1
		LEFT JOIN audit_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
