package persistence

import (
	"context"
	"database/sql"
	"log"
	"time"

	"HedgeLedger/internal/observability"
)

// Record mirrors the engine's output shape to avoid an import cycle; the
// orchestrator in cmd bridges between core.Output and this.
type Record struct {
	Audit   *AuditRow
	Inbound *InboundRow
}

// Worker drains the persist channel and batch-writes to Postgres. The
// engine uses BLOCKING sends into this channel, so if the worker falls
// behind, the engine stalls and no envelope is ever lost.
type Worker struct {
	writer       *AuditLogWriter
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewAuditLogWriter(db, batchSize, flushTimeout),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the worker loop. It batches incoming records and flushes when
// the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	auditBatch := make([]AuditRow, 0, w.batchSize)
	inboundBatch := make([]InboundRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(auditBatch) > 0 || len(inboundBatch) > 0 {
				if err := w.flush(context.Background(), auditBatch, inboundBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case rec, ok := <-w.inputChan:
			if !ok {
				if len(auditBatch) > 0 || len(inboundBatch) > 0 {
					if err := w.flush(context.Background(), auditBatch, inboundBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			if rec.Audit != nil {
				auditBatch = append(auditBatch, *rec.Audit)
			}
			if rec.Inbound != nil {
				inboundBatch = append(inboundBatch, *rec.Inbound)
			}

			if len(auditBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, auditBatch, inboundBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				auditBatch = auditBatch[:0]
				inboundBatch = inboundBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(auditBatch) > 0 || len(inboundBatch) > 0 {
				if err := w.flushWithRetry(ctx, auditBatch, inboundBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				auditBatch = auditBatch[:0]
				inboundBatch = inboundBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or the context is cancelled,
// and on cancellation attempts one final flush with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, audit []AuditRow, inbound []InboundRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, records=%d)",
				attempt, backoff, len(audit))
			select {
			case <-ctx.Done():
				if finalErr := w.flush(context.Background(), audit, inbound); finalErr != nil {
					return finalErr
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, audit, inbound)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, audit []AuditRow, inbound []InboundRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteAuditBatch(ctx, tx, audit); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_audit").Inc()
		}
		return err
	}
	if err := w.writer.WriteInboundBatch(ctx, tx, inbound); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_inbound").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(audit)))
		if len(audit) > 0 {
			w.metrics.PersistLastSequence.Set(float64(audit[len(audit)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer.
func (w *Worker) GetWriter() *AuditLogWriter {
	return w.writer
}
