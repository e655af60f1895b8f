// Package publisher emits relay lifecycle events to NATS JetStream.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectUnlockScheduled  = "relay.unlock.scheduled"
	SubjectUnlockCompleted  = "relay.unlock.completed"
	SubjectPurchaseRejected = "relay.purchase.not_approved"
	streamName              = "RELAY"
	streamSubjects          = "relay.>"
	defaultStreamMaxAge     = 30 * 24 * time.Hour
)

// RelayEvent is the payload published for every terminal relay outcome.
type RelayEvent struct {
	EventID    string    `json:"event_id"`
	PurchaseID string    `json:"purchase_id"`
	Email      string    `json:"email,omitempty"`
	Status     string    `json:"status,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher publishes relay events. A Publisher without JetStream is a
// logging stub.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
}

// New ensures the RELAY stream exists on nc. A nil nc yields a stub.
func New(nc *nats.Conn, log *zap.Logger) (*Publisher, error) {
	if nc == nil {
		log.Warn("NATS_URL not set, relay events will not be published (stub mode)")
		return &Publisher{log: log}, nil
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{streamSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   defaultStreamMaxAge,
	})
	if err != nil {
		log.Warn("failed to create NATS stream (may already exist)", zap.Error(err))
	}

	log.Info("NATS publisher initialised", zap.String("stream", streamName))
	return &Publisher{js: js, log: log}, nil
}

// NewStub returns a publisher that only logs.
func NewStub(log *zap.Logger) *Publisher {
	return &Publisher{log: log}
}

// Publish sends evt to subject. Failures are logged and swallowed: relay
// events are informational and must not affect webhook handling.
func (p *Publisher) Publish(_ context.Context, subject string, evt RelayEvent) {
	if p == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if p.js == nil {
		p.log.Debug("NATS stub: skipping publish", zap.String("subject", subject), zap.String("event_id", evt.EventID))
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn("relay event marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}

	ack, err := p.js.Publish(subject, data)
	if err != nil {
		p.log.Warn("relay event publish failed", zap.String("subject", subject), zap.String("event_id", evt.EventID), zap.Error(err))
		return
	}

	p.log.Debug("NATS event published",
		zap.String("subject", subject),
		zap.String("event_id", evt.EventID),
		zap.Uint64("seq", ack.Sequence),
	)
}
