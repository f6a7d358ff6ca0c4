// Package events publishes admission decisions to an audit stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outbound-rate-limiter/internal/model"
)

// Producer writes one keyed message.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// DecisionEvent is the wire form of a published decision.
type DecisionEvent struct {
	EventID        string    `json:"event_id"`
	ContactID      string    `json:"contact_id"`
	CustomerNumber string    `json:"customer_number"`
	SystemNumber   string    `json:"system_number"`
	CallAllowed    bool      `json:"call_allowed"`
	Reason         string    `json:"reason,omitempty"`
	CustomerUsage  int64     `json:"customer_usage"`
	SystemUsage    int64     `json:"system_usage"`
	Degraded       bool      `json:"degraded,omitempty"`
	Terminated     bool      `json:"terminated"`
	DecidedAt      time.Time `json:"decided_at"`
}

// KafkaSink publishes decisions keyed by customer number so one number's history stays ordered.
type KafkaSink struct {
	producer Producer
	timeout  time.Duration
}

var _ model.DecisionSink = (*KafkaSink)(nil)

func NewKafkaSink(producer Producer, timeout time.Duration) *KafkaSink {
	return &KafkaSink{producer: producer, timeout: timeout}
}

func (s *KafkaSink) Publish(ctx context.Context, d model.Decision) error {
	ev := NewDecisionEvent(d)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal decision event: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	headers := map[string]string{
		"event_id":   ev.EventID,
		"event_type": "call_admission_decision",
	}
	return s.producer.ProduceMessage(ctx, []byte(d.Customer.Number), payload, headers)
}

func NewDecisionEvent(d model.Decision) DecisionEvent {
	return DecisionEvent{
		EventID:        uuid.NewString(),
		ContactID:      d.ContactID,
		CustomerNumber: d.Customer.Number,
		SystemNumber:   d.System.Number,
		CallAllowed:    d.Allowed,
		Reason:         string(d.Reason),
		CustomerUsage:  d.Customer.UsageAfter,
		SystemUsage:    d.System.UsageAfter,
		Degraded:       d.Degraded,
		Terminated:     !d.Allowed && !d.TerminationFailed,
		DecidedAt:      d.DecidedAt,
	}
}
