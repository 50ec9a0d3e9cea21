// Package telemetry emits room analytics events and sets up tracing.
package telemetry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel/trace"

	"room-service/internal/observability"
)

// Publisher delivers an event to the broker under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Event types.
const (
	EventSessionMounted   = "session_mounted"
	EventSessionUnmounted = "session_unmounted"
	EventMessageSent      = "message_sent"
	EventRoomJoined       = "room_joined"
	EventJumpResolved     = "jump_resolved"
	EventWSConnected      = "ws_connected"
	EventWSDisconnected   = "ws_disconnected"
)

// Envelope is the wire format of an analytics event.
type Envelope struct {
	SchemaVersion int     `json:"schema_version"`
	EventType     string  `json:"event_type"`
	OccurredAt    string  `json:"occurred_at"`
	Service       string  `json:"service"`
	Environment   string  `json:"environment"`
	SessionID     string  `json:"session_id"`
	TraceID       string  `json:"trace_id,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
	Payload       Payload `json:"payload"`
}

// Payload carries the room context of an event.
type Payload struct {
	RoomID   string `json:"rid"`
	ThreadID string `json:"tmid,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Emitter publishes analytics envelopes. A nil Emitter drops everything.
type Emitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	clock       clock.Clock
}

// NewEmitter constructs an Emitter.
func NewEmitter(publisher Publisher, routingKey, service, environment string, clk clock.Clock) *Emitter {
	if clk == nil {
		clk = clock.New()
	}
	return &Emitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		clock:       clk,
	}
}

// Emit publishes one event. Failures are logged and counted, never
// returned.
func (e *Emitter) Emit(ctx context.Context, eventType, sessionID string, userID *string, payload Payload) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := Envelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    e.clock.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		SessionID:     sessionID,
		UserID:        userID,
		Payload:       payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		envelope.TraceID = sc.TraceID().String()
	}

	jww.DEBUG.Printf("analytics emit: type=%s session=%s rid=%s", eventType, sessionID, payload.RoomID)
	if err := e.publisher.Publish(ctx, e.routingKey+"."+eventType, envelope); err != nil {
		observability.IncAMQPPublishError()
		jww.WARN.Printf("analytics publish failed: %v", err)
	}
}
