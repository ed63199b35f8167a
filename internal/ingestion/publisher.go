package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"HedgeLedger/internal/event"
)

// AuditPublisher publishes audit envelopes to NATS for downstream consumers
// (off-chain indexers, risk dashboards). Publishing happens after the
// envelope is persisted; a publish failure is non-fatal because consumers
// can always rebuild from the audit log.
// Subjects follow the pattern: hedge.ledger.audit.{event_type}
type AuditPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.AuditEnvelope
}

// auditWireJSON is the outbound wire format for one audit record.
type auditWireJSON struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
}

func NewAuditPublisher(js jetstream.JetStream, inputChan <-chan *event.AuditEnvelope) *AuditPublisher {
	return &AuditPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the publisher loop.
func (ap *AuditPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-ap.inputChan:
			if !ok {
				return nil
			}

			if err := ap.publish(ctx, env); err != nil {
				log.Printf("WARN: audit publish failed seq=%d: %v", env.Sequence, err)
			}
		}
	}
}

func (ap *AuditPublisher) publish(ctx context.Context, env *event.AuditEnvelope) error {
	wire := auditWireJSON{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("hedge.ledger.audit.%s", env.EventType)
	_, err = ap.js.Publish(ctx, subject, data)
	return err
}

// EnsureAuditStream creates the outbound audit stream.
func EnsureAuditStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "HEDGE_AUDIT_EVENTS",
		Subjects:  []string{"hedge.ledger.audit.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create audit stream: %w", err)
	}
	log.Println("INFO: ensured audit stream HEDGE_AUDIT_EVENTS")
	return nil
}
