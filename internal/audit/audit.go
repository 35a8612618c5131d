// Package audit carries the trail of blocked scans, overrides and automatic
// closures from the recorder to durable storage.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendguard/internal/fraud"
	"attendguard/internal/queue"
)

// Kind of audit entry.
type Kind string

const (
	KindBlocked      Kind = "blocked"
	KindOverride     Kind = "override"
	KindSkipCheck    Kind = "skip_fraud_check"
	KindAutoCheckout Kind = "auto_checkout"
	KindInvalidToken Kind = "invalid_token"
)

// MessageType tags audit entries on the queue.
const MessageType = "audit"

// Entry is one audit record.
type Entry struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	StudentID  string        `json:"student_id,omitempty"`
	ActivityID string        `json:"activity_id,omitempty"`
	Direction  string        `json:"direction,omitempty"`
	RecorderID string        `json:"recorder_id,omitempty"`
	EventID    string        `json:"event_id,omitempty"`
	Message    string        `json:"message"`
	Issues     []fraud.Issue `json:"issues,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Publisher sends entries over a queue.
type Publisher struct {
	q queue.Queue
}

// NewPublisher wraps q.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Record publishes e, assigning an ID and timestamp when missing. Queues that
// support TryPublish report queue.ErrFull at once instead of waiting for room.
func (p *Publisher) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	msg := queue.Message{Type: MessageType, Body: body}
	if tq, ok := p.q.(tryQueue); ok {
		return tq.TryPublish(msg)
	}
	return p.q.Publish(ctx, msg)
}

// tryQueue is a queue that can refuse a message instead of waiting for room.
// A full in-process buffer drops the entry rather than stall a scan.
type tryQueue interface {
	TryPublish(msg queue.Message) error
}

// Handler stores or otherwise processes one entry.
type Handler func(ctx context.Context, e Entry) error

// Consume drains audit messages from q into h until ctx is done. Failures
// are logged and the entry dropped.
func Consume(ctx context.Context, q queue.Queue, h Handler, logger zerolog.Logger) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("audit: consume: %w", err)
	}
	for msg := range msgs {
		if msg.Type != MessageType {
			continue
		}
		var e Entry
		if err := json.Unmarshal(msg.Body, &e); err != nil {
			logger.Warn().Err(err).Msg("audit: undecodable entry dropped")
			continue
		}
		if err := h(ctx, e); err != nil {
			logger.Error().Err(err).Str("audit_id", e.ID).Msg("audit: handler failed")
		}
	}
	return nil
}

// LogHandler writes entries to logger.
func LogHandler(logger zerolog.Logger) Handler {
	return func(_ context.Context, e Entry) error {
		ev := logger.Info()
		if e.Kind == KindBlocked || e.Kind == KindInvalidToken {
			ev = logger.Warn()
		}
		ev.Str("audit_id", e.ID).
			Str("kind", string(e.Kind)).
			Str("student_id", e.StudentID).
			Str("activity_id", e.ActivityID).
			Str("recorder_id", e.RecorderID).
			Int("issues", len(e.Issues)).
			Time("occurred_at", e.OccurredAt).
			Msg(e.Message)
		return nil
	}
}
