package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker implements the tier-2 dedup lookup against the
// inbound event record.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks whether the inbound event was already processed.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM audit_log.inbound_events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PartitionWatermarks returns, per inbound event type, the next expected
// source sequence derived from the processed event record.
func (pic *PostgresIdempotencyChecker) PartitionWatermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, MAX(source_sequence) + 1
		FROM audit_log.inbound_events
		GROUP BY event_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var next int64
		if err := rows.Scan(&eventType, &next); err != nil {
			return nil, err
		}
		marks[eventType] = next
	}
	return marks, rows.Err()
}

// RecentKeys loads the most recently processed composite keys for warming
// the in-memory LRU on restart.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type || ':' || idempotency_key
		FROM audit_log.inbound_events
		ORDER BY processed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
