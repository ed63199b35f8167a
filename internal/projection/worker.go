package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// ProjectionOutput mirrors the data projection workers need. The
// orchestrator bridges between core.Output and this to avoid coupling
// the projection side to the engine package.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Payload   []byte
	Timestamp int64
}

// positionOpenedJSON and friends shadow the audit payload shapes this
// worker cares about. Unknown fields are ignored.
type positionOpenedJSON struct {
	PositionID   uint64    `json:"position_id"`
	Owner        uuid.UUID `json:"owner"`
	Margin       int64     `json:"margin"`
	Leverage     int64     `json:"leverage"`
	PositionSize int64     `json:"position_size"`
	EntryRate    int64     `json:"entry_rate"`
}

type positionClosedJSON struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	PnL        int64     `json:"pnl"`
	Payout     int64     `json:"payout"`
	ExitRate   int64     `json:"exit_rate"`
	Emergency  bool      `json:"emergency"`
}

type marginChangedJSON struct {
	PositionID uint64 `json:"position_id"`
	NewMargin  int64  `json:"new_margin"`
}

type fillChangedJSON struct {
	PositionID uint64 `json:"position_id"`
	OldFilled  int64  `json:"old_filled"`
	NewFilled  int64  `json:"new_filled"`
}

type liquidationExecutedJSON struct {
	Owner          uuid.UUID `json:"owner"`
	PositionID     uint64    `json:"position_id"`
	Liquidator     uuid.UUID `json:"liquidator"`
	MarginRatioBps int64     `json:"margin_ratio_bps"`
	Reward         int64     `json:"reward"`
	OwnerRefund    int64     `json:"owner_refund"`
}

type rewardsClaimedJSON struct {
	Owner        uuid.UUID `json:"owner"`
	InterestDiff int64     `json:"interest_diff"`
	YieldShare   int64     `json:"yield_share"`
	Total        int64     `json:"total"`
}

// ProjectionWorker updates projection tables from audit records.
// The projection channel is non-blocking with drop; if projections
// fall behind they are rebuilt from the audit log.
type ProjectionWorker struct {
	db          *sql.DB
	inputChan   <-chan ProjectionOutput
	fillHistory *FillHistoryProjection
	lastSeq     int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, fillHistory *FillHistoryProjection) *ProjectionWorker {
	return &ProjectionWorker{
		db:          db,
		inputChan:   inputChan,
		fillHistory: fillHistory,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue. Projections are eventually consistent and
				// can be rebuilt from the audit log.
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.applyRecord(ctx, tx, output); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) applyRecord(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch output.EventType {
	case "PositionOpened":
		var p positionOpenedJSON
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("decode PositionOpened: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(position_id, owner_id, margin, position_size, filled_volume,
				 entry_rate, leverage, status, opened_at, last_sequence)
			VALUES ($1, $2, $3, $4, 0, $5, $6, 'active', $7, $8)
			ON CONFLICT (position_id) DO NOTHING
		`, p.PositionID, p.Owner, p.Margin, p.PositionSize, p.EntryRate,
			p.Leverage, output.Timestamp, output.Sequence)
		return err

	case "PositionClosed":
		var p positionClosedJSON
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("decode PositionClosed: %w", err)
		}
		status := "closed"
		if p.Emergency {
			status = "emergency_closed"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET status = $2, closed_at = $3, last_sequence = $4
			WHERE position_id = $1
		`, p.PositionID, status, output.Timestamp, output.Sequence); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.closure_history
				(position_id, owner_id, pnl, payout, exit_rate, emergency, sequence, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, p.PositionID, p.Owner, p.PnL, p.Payout, p.ExitRate, p.Emergency,
			output.Sequence, output.Timestamp)
		return err

	case "MarginAdded", "MarginRemoved":
		var m marginChangedJSON
		if err := json.Unmarshal(output.Payload, &m); err != nil {
			return fmt.Errorf("decode margin change: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET margin = $2, last_sequence = $3
			WHERE position_id = $1
		`, m.PositionID, m.NewMargin, output.Sequence)
		return err

	case "FillChanged":
		var f fillChangedJSON
		if err := json.Unmarshal(output.Payload, &f); err != nil {
			return fmt.Errorf("decode FillChanged: %w", err)
		}
		if pw.fillHistory != nil {
			pw.fillHistory.AddEntry(FillHistoryEntry{
				PositionID: f.PositionID,
				OldFilled:  f.OldFilled,
				NewFilled:  f.NewFilled,
				Sequence:   output.Sequence,
				Timestamp:  output.Timestamp,
			})
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET filled_volume = $2, last_sequence = $3
			WHERE position_id = $1
		`, f.PositionID, f.NewFilled, output.Sequence); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.fill_history
				(position_id, old_filled, new_filled, sequence, timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sequence, position_id) DO NOTHING
		`, f.PositionID, f.OldFilled, f.NewFilled, output.Sequence, output.Timestamp)
		return err

	case "LiquidationExecuted":
		var l liquidationExecutedJSON
		if err := json.Unmarshal(output.Payload, &l); err != nil {
			return fmt.Errorf("decode LiquidationExecuted: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET status = 'liquidated', closed_at = $2, last_sequence = $3
			WHERE position_id = $1
		`, l.PositionID, output.Timestamp, output.Sequence); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidation_history
				(position_id, owner_id, liquidator_id, margin_ratio_bps,
				 reward, owner_refund, sequence, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, l.PositionID, l.Owner, l.Liquidator, l.MarginRatioBps,
			l.Reward, l.OwnerRefund, output.Sequence, output.Timestamp)
		return err

	case "RewardsClaimed":
		var r rewardsClaimedJSON
		if err := json.Unmarshal(output.Payload, &r); err != nil {
			return fmt.Errorf("decode RewardsClaimed: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.reward_history
				(owner_id, interest_diff, yield_share, total, sequence, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (sequence) DO NOTHING
		`, r.Owner, r.InterestDiff, r.YieldShare, r.Total,
			output.Sequence, output.Timestamp)
		return err

	default:
		// Commitment lifecycle, param and pause records carry no
		// projected state. The watermark still advances.
		return nil
	}
}

// RebuildProjections truncates the projection tables and replays the
// audit log through a fresh worker. Used after a detected gap or for
// disaster recovery.
func RebuildProjections(ctx context.Context, db *sql.DB, loadEvents func(ctx context.Context, fromSequence int64, limit int) ([]ProjectionOutput, error)) error {
	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.fill_history`,
		`TRUNCATE projections.closure_history`,
		`TRUNCATE projections.liquidation_history`,
		`TRUNCATE projections.reward_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	pw := &ProjectionWorker{db: db}

	const batchSize = 1000
	from := int64(0)
	for {
		events, err := loadEvents(ctx, from, batchSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if err := pw.processOutput(ctx, ev); err != nil {
				return fmt.Errorf("replay seq=%d: %w", ev.Sequence, err)
			}
			pw.lastSeq = ev.Sequence
		}
		from = events[len(events)-1].Sequence + 1
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
