package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"messaging-core/internal/models"
	"messaging-core/internal/offline"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *slog.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        string       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string         `json:"level"`
	Text  string         `json:"text"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *slog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log,
	}
}

// Emit publishes one audit record. A nil emitter is a noop.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID, userID string, attrs map[string]any) {
	if e == nil || e.publisher == nil {
		return
	}

	e.log.Info("audit.emit", "level", level, "request_id", requestID, "user_id", userID, "text", text)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level: level,
			Text:  text,
			Attrs: attrs,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Warn("audit.publish.failed", "error", err)
	}
}

// MessageDeleted records a soft delete made by userID.
func (e *AuditEmitter) MessageDeleted(ctx context.Context, requestID, userID string, msg models.Message) {
	e.Emit(ctx, "INFO", "message deleted", requestID, userID, map[string]any{
		"message_id":       msg.ID,
		"conversation_key": msg.ConversationKey,
		"queued":           msg.Optimistic,
	})
}

// QueueStalled records an offline operation that halted its lane. It has the shape of
// offline.StallHandler.
func (e *AuditEmitter) QueueStalled(ctx context.Context, stall *offline.QueueStalledError) {
	e.Emit(ctx, "ERROR", fmt.Sprintf("offline %s stalled", stall.Kind), "", stall.Origin, map[string]any{
		"op_id": stall.OpID,
		"error": stall.Err.Error(),
	})
}
