package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/hub"
	"messaging-core/internal/models"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func TestRoutingKey(t *testing.T) {
	evt := models.Event{Type: models.EventMessageCreated, Topic: string(hub.ConversationTopic("alice_bob"))}
	assert.Equal(t, "events.message_created.conversation", RoutingKey(evt))
	assert.Equal(t, "events.typing_changed.unknown", RoutingKey(models.Event{Type: models.EventTypingChanged, Topic: "bogus"}))
}

func TestEventSinkMirrorsHubEvents(t *testing.T) {
	pub := &recordingPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := NewEventSink(pub, 8, log)
	h := hub.New(log, hub.WithSinks(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	h.Publish(hub.PresenceTopic("alice"), models.Event{Type: models.EventPresenceChanged})

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "events.presence_changed.presence", pub.published()[0])
}

func TestEventSinkDropsWhenFull(t *testing.T) {
	sink := NewEventSink(&recordingPublisher{}, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sink.Consume(models.Event{Type: models.EventTypingChanged})
	sink.Consume(models.Event{Type: models.EventTypingChanged})
	assert.Len(t, sink.events, 1)
}

func TestNoopPublisherWithoutURL(t *testing.T) {
	p := NewPublisher("", "messaging.events", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	assert.NoError(t, p.Publish(context.Background(), "k", map[string]string{"a": "b"}))
	assert.NoError(t, p.Close())
}
