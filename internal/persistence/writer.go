package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AuditLogWriter writes audit envelopes and inbound dedup records to
// Postgres using multi-row INSERT batches.
type AuditLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// AuditRow represents a row in audit_log.events
type AuditRow struct {
	Sequence  int64
	EventType string
	Payload   []byte // JSON-encoded record payload
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// InboundRow records a processed inbound event for tier-2 deduplication.
type InboundRow struct {
	EventType      string
	IdempotencyKey string
	SourceSequence int64
	ProcessedAt    time.Time
}

func NewAuditLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *AuditLogWriter {
	return &AuditLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteAuditBatch writes a batch of envelopes to audit_log.events.
// Sequence conflicts are ignored so replays after a crash stay idempotent.
func (w *AuditLogWriter) WriteAuditBatch(ctx context.Context, tx *sql.Tx, rows []AuditRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO audit_log.events
		(sequence, event_type, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.Sequence, r.EventType, r.Payload, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteInboundBatch records processed inbound events in audit_log.inbound_events.
func (w *AuditLogWriter) WriteInboundBatch(ctx context.Context, tx *sql.Tx, rows []InboundRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO audit_log.inbound_events
		(event_type, idempotency_key, source_sequence, processed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*4)

	for i, r := range rows {
		base := i * 4
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4,
		))
		args = append(args, r.EventType, r.IdempotencyKey, r.SourceSequence, r.ProcessedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_type, idempotency_key) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
