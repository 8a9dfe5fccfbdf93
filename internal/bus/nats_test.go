package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matt-riley/lldrules/internal/repository"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []published
	err      error
	drained  bool
	closed   bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, published{subject: subject, data: data})
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func (c *fakeConn) Close() {
	c.closed = true
}

type fakeRecorder struct {
	results []error
}

func (r *fakeRecorder) RecordPublish(err error) {
	r.results = append(r.results, err)
}

func TestPublisherPublish(t *testing.T) {
	nc := &fakeConn{}
	rec := &fakeRecorder{}
	p := newPublisher(nc, "lldrules.events", WithRecorder(rec))

	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), repository.RuleEvent{
		EventID:   7,
		ItemID:    42,
		EventType: "updated",
		Payload:   json.RawMessage(`{"itemid":"42","name":"Mounted filesystems"}`),
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(nc.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(nc.messages))
	}
	if nc.messages[0].subject != "lldrules.events.updated" {
		t.Fatalf("subject = %q, want lldrules.events.updated", nc.messages[0].subject)
	}

	var msg Message
	if err := json.Unmarshal(nc.messages[0].data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.EventID != 7 || msg.ItemID != "42" || msg.EventType != "updated" || !msg.CreatedAt.Equal(createdAt) {
		t.Fatalf("message = %+v", msg)
	}
	if string(msg.Payload) != `{"itemid":"42","name":"Mounted filesystems"}` {
		t.Fatalf("payload = %s", msg.Payload)
	}
	if len(rec.results) != 1 || rec.results[0] != nil {
		t.Fatalf("recorded = %v, want one success", rec.results)
	}
}

func TestPublisherPublishErrors(t *testing.T) {
	connErr := errors.New("nats: connection closed")

	tests := []struct {
		name    string
		conn    *fakeConn
		ctx     func() context.Context
		event   repository.RuleEvent
		wantErr error
	}{
		{
			name:    "connection error",
			conn:    &fakeConn{err: connErr},
			ctx:     context.Background,
			event:   repository.RuleEvent{EventID: 1, ItemID: 1, EventType: "created"},
			wantErr: connErr,
		},
		{
			name: "canceled context",
			conn: &fakeConn{},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			event:   repository.RuleEvent{EventID: 2, ItemID: 1, EventType: "deleted"},
			wantErr: context.Canceled,
		},
		{
			name:  "invalid payload",
			conn:  &fakeConn{},
			ctx:   context.Background,
			event: repository.RuleEvent{EventID: 3, ItemID: 1, EventType: "created", Payload: json.RawMessage(`{`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			p := newPublisher(tt.conn, "lldrules.events", WithRecorder(rec))

			err := p.Publish(tt.ctx(), tt.event)
			if err == nil {
				t.Fatal("Publish() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Publish() error = %v, want %v", err, tt.wantErr)
			}
			if len(tt.conn.messages) != 0 {
				t.Fatalf("published %d messages, want 0", len(tt.conn.messages))
			}
			if len(rec.results) != 1 || rec.results[0] == nil {
				t.Fatalf("recorded = %v, want one failure", rec.results)
			}
		})
	}
}

func TestPublisherSubject(t *testing.T) {
	p := newPublisher(&fakeConn{}, "rules")
	if got := p.Subject(""); got != "rules" {
		t.Fatalf("Subject(\"\") = %q, want rules", got)
	}
	if got := p.Subject("created"); got != "rules.created" {
		t.Fatalf("Subject(created) = %q, want rules.created", got)
	}
}

func TestPublisherCloseDrains(t *testing.T) {
	nc := &fakeConn{}
	newPublisher(nc, "rules").Close()
	if !nc.drained || !nc.closed {
		t.Fatalf("drained = %t, closed = %t, want both", nc.drained, nc.closed)
	}
}
