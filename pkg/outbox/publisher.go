package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// DefaultSubject is the NATS subject dispatch events are published on.
const DefaultSubject = "dispatch.events"

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes dispatch events to a NATS subject.
type Publisher struct {
	conn    msgPublisher
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	p := &Publisher{subject: subject}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Publish satisfies domain.EventPublisher. A publisher without a connection
// drops events.
func (p *Publisher) Publish(ctx context.Context, event domain.DispatchEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := EventMsg(p.subject, event, payload)
	if traceID := traceIDFromContext(ctx); traceID != "" {
		msg.Header.Set(HeaderTraceID, traceID)
	}
	return p.conn.PublishMsg(msg)
}

// Headers set on every dispatch event message.
const (
	HeaderEventType = "x-event-type"
	HeaderSessionID = "x-session-id"
	HeaderTraceID   = "x-trace-id"
)

// EventMsg wraps an encoded event for subject. Consumers order and group by
// the session header; the event id doubles as the JetStream dedupe id so a
// redelivered event is dropped server side.
func EventMsg(subject string, event domain.DispatchEvent, payload []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, event.ID.String())
	msg.Header.Set(HeaderEventType, string(event.Type))
	msg.Header.Set(HeaderSessionID, event.SessionID.String())
	return msg
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
