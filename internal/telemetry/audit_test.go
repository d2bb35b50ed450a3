package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/models"
	"messaging-core/internal/offline"
)

type capturePublisher struct {
	routingKey string
	events     []AuditEnvelope
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, event any) error {
	p.routingKey = routingKey
	p.events = append(p.events, event.(AuditEnvelope))
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestQueueStalledEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	e := NewAuditEmitter(pub, "audit.messaging", "messaging-core", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))

	e.QueueStalled(context.Background(), &offline.QueueStalledError{
		OpID:   "01OP",
		Kind:   models.OpSoftDelete,
		Origin: "alice",
		Err:    errors.New("forbidden"),
	})

	require.Len(t, pub.events, 1)
	env := pub.events[0]
	assert.Equal(t, "audit.messaging", pub.routingKey)
	assert.Equal(t, "audit_log", env.EventType)
	assert.Equal(t, "alice", env.UserID)
	assert.Equal(t, "ERROR", env.Payload.Level)
	assert.Equal(t, "01OP", env.Payload.Attrs["op_id"])
}

func TestMessageDeletedEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	e := NewAuditEmitter(pub, "audit.messaging", "messaging-core", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))

	e.MessageDeleted(context.Background(), "req-1", "alice", models.Message{ID: "m1", ConversationKey: "alice_bob"})

	require.Len(t, pub.events, 1)
	assert.Equal(t, "req-1", pub.events[0].RequestID)
	assert.Equal(t, "m1", pub.events[0].Payload.Attrs["message_id"])
}

func TestNilEmitterIsNoop(t *testing.T) {
	var e *AuditEmitter
	assert.NotPanics(t, func() {
		e.Emit(context.Background(), "INFO", "x", "", "", nil)
	})
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "messaging-core")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
