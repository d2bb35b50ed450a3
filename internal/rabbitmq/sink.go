package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"messaging-core/internal/hub"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
)

const (
	defaultSinkBuffer  = 256
	sinkPublishTimeout = 5 * time.Second
)

// EventSink mirrors hub events to AMQP. Consume never blocks the hub: when the buffer is full
// the event is counted and dropped from the mirror only.
type EventSink struct {
	publisher Publisher
	events    chan models.Event
	log       *slog.Logger
}

// NewEventSink buffers up to size events for publisher.
func NewEventSink(publisher Publisher, size int, log *slog.Logger) *EventSink {
	if size <= 0 {
		size = defaultSinkBuffer
	}
	return &EventSink{publisher: publisher, events: make(chan models.Event, size), log: log}
}

// Consume implements hub.Sink.
func (s *EventSink) Consume(evt models.Event) {
	select {
	case s.events <- evt:
	default:
		observability.IncAMQPDropped()
	}
}

// Run publishes buffered events until ctx is done.
func (s *EventSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-s.events:
			pubCtx, cancel := context.WithTimeout(ctx, sinkPublishTimeout)
			if err := s.publisher.Publish(pubCtx, RoutingKey(evt), evt); err != nil {
				s.log.Debug("rabbitmq.sink.publish.failed", "type", evt.Type, "topic", evt.Topic, "error", err)
			}
			cancel()
		}
	}
}

// RoutingKey is "events.<type>.<topic kind>", e.g. events.message_created.conversation.
func RoutingKey(evt models.Event) string {
	kind, _, ok := hub.Topic(evt.Topic).Split()
	if !ok {
		kind = "unknown"
	}
	return "events." + string(evt.Type) + "." + kind
}
