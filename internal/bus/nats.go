// Package bus publishes committed discovery rule events to NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/nats-io/nats.go"
)

// Message is the JSON body published for every rule event.
type Message struct {
	EventID   int64           `json:"event_id"`
	ItemID    string          `json:"itemid"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// PublishRecorder counts publish outcomes.
type PublishRecorder interface {
	RecordPublish(err error)
}

// Publisher sends rule events to <subject>.<event_type>.
type Publisher struct {
	conn     conn
	subject  string
	recorder PublishRecorder
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRecorder reports every publish result to recorder.
func WithRecorder(recorder PublishRecorder) Option {
	return func(p *Publisher) {
		p.recorder = recorder
	}
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, subject string, opts ...Option) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("lldrules"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newPublisher(nc, subject, opts...), nil
}

func newPublisher(c conn, subject string, opts ...Option) *Publisher {
	p := &Publisher{conn: c, subject: subject}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals event and publishes it. The context is only checked for
// cancellation; core NATS publishes are fire-and-forget.
func (p *Publisher) Publish(ctx context.Context, event repository.RuleEvent) (err error) {
	defer func() {
		if p.recorder != nil {
			p.recorder.RecordPublish(err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Message{
		EventID:   event.EventID,
		ItemID:    event.ItemID.String(),
		EventType: event.EventType,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", event.EventID, err)
	}

	if err := p.conn.Publish(p.Subject(event.EventType), data); err != nil {
		return fmt.Errorf("publish event %d: %w", event.EventID, err)
	}
	return nil
}

// Subject returns the subject events of eventType are published on.
func (p *Publisher) Subject(eventType string) string {
	if eventType == "" {
		return p.subject
	}
	return p.subject + "." + eventType
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	_ = p.conn.Drain()
	p.conn.Close()
}
