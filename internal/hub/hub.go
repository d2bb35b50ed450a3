// Package hub is the in-process delivery point that fans events out to live subscribers.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"messaging-core/internal/models"
	"messaging-core/internal/observability"
)

// Topic prefixes. A topic is prefix + ":" + id.
const (
	PrefixConversation      = "conversation"
	PrefixUserConversations = "userConversations"
	PrefixTyping            = "typing"
	PrefixPresence          = "presence"
)

const defaultBufferSize = 64

// ErrSlowSubscriber is reported by Subscription.Err after the hub dropped a subscriber whose
// buffer overflowed.
var ErrSlowSubscriber = errors.New("subscriber buffer overflow")

// Topic names a broadcast point.
type Topic string

func ConversationTopic(key string) Topic { return Topic(PrefixConversation + ":" + key) }
func UserConversationsTopic(uid string) Topic { return Topic(PrefixUserConversations + ":" + uid) }
func TypingTopic(key string) Topic { return Topic(PrefixTyping + ":" + key) }
func PresenceTopic(uid string) Topic { return Topic(PrefixPresence + ":" + uid) }

// Split returns the prefix and id of a topic.
func (t Topic) Split() (string, string, bool) {
	prefix, id, ok := strings.Cut(string(t), ":")
	if !ok || id == "" {
		return "", "", false
	}
	switch prefix {
	case PrefixConversation, PrefixUserConversations, PrefixTyping, PrefixPresence:
		return prefix, id, true
	}
	return "", "", false
}

// Sink observes every published event. Consume must not block.
type Sink interface {
	Consume(evt models.Event)
}

// Hub maintains topics and their subscribers.
//
// Events of one topic reach every current subscriber in publish order. Publish never blocks:
// a subscriber whose buffer is full is dropped and its channel closed; the event is kept for
// everyone else.
type Hub struct {
	log        *slog.Logger
	bufferSize int

	mu     sync.RWMutex
	topics map[Topic]*room
	sinks  []Sink
	nextID uint64
}

type room struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithSinks registers observers of every published event.
func WithSinks(sinks ...Sink) Option {
	return func(h *Hub) {
		h.sinks = append(h.sinks, sinks...)
	}
}

// New creates an empty hub.
func New(log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		log:        log,
		bufferSize: defaultBufferSize,
		topics:     make(map[Topic]*room),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber on topic. Only events published after this call are
// delivered. The subscription ends when ctx is done, Close is called, or the subscriber
// overflows; in every case C is closed.
func (h *Hub) Subscribe(ctx context.Context, topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan models.Event, h.bufferSize),
		done:  make(chan struct{}),
		hub:   h,
	}
	sub.C = sub.ch

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	r, ok := h.topics[topic]
	if !ok {
		r = &room{subs: make(map[uint64]*Subscription)}
		h.topics[topic] = r
	}
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	h.mu.Unlock()

	observability.IncHubSubscribers(topicKind(topic))

	go func() {
		select {
		case <-ctx.Done():
			h.remove(sub, ctx.Err())
		case <-sub.done:
		}
	}()
	return sub
}

// Publish delivers evt to every subscriber of topic without blocking.
func (h *Hub) Publish(topic Topic, evt models.Event) {
	evt.Topic = string(topic)
	if evt.At.IsZero() {
		evt.At = models.Now()
	}

	h.mu.RLock()
	r := h.topics[topic]
	sinks := h.sinks
	h.mu.RUnlock()

	observability.IncHubPublished(topicKind(topic), string(evt.Type))
	for _, s := range sinks {
		s.Consume(evt)
	}
	if r == nil {
		return
	}

	var overflowed []*Subscription
	r.mu.Lock()
	for _, sub := range r.subs {
		select {
		case sub.ch <- evt:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		h.dropLocked(r, sub, ErrSlowSubscriber)
	}
	r.mu.Unlock()

	for _, sub := range overflowed {
		observability.IncHubDropped(topicKind(topic))
		h.log.Warn("hub.subscriber.dropped", "topic", string(topic), "subscription", sub.id)
	}
}

// Subscribers returns the number of live subscribers on topic.
func (h *Hub) Subscribers(topic Topic) int {
	h.mu.RLock()
	r := h.topics[topic]
	h.mu.RUnlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	r.mu.Lock()
	h.dropLocked(r, sub, reason)
	empty := len(r.subs) == 0
	r.mu.Unlock()
	if empty {
		delete(h.topics, sub.topic)
	}
}

// dropLocked closes sub exactly once. Callers hold r.mu, which is also held by Publish while
// sending, so no send can race with the close.
func (h *Hub) dropLocked(r *room, sub *Subscription, reason error) {
	if _, ok := r.subs[sub.id]; !ok {
		return
	}
	delete(r.subs, sub.id)
	sub.err = reason
	close(sub.ch)
	close(sub.done)
	observability.DecHubSubscribers(topicKind(sub.topic))
}

// Subscription is one ordered event stream. Subscribing again restarts the stream.
type Subscription struct {
	// C yields events in publish order and is closed when the subscription ends.
	C <-chan models.Event

	id    uint64
	topic Topic
	ch    chan models.Event
	done  chan struct{}
	hub   *Hub
	err   error
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic { return s.topic }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, context.Canceled)
}

// Err reports why the subscription ended. It is only meaningful after C is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

func topicKind(t Topic) string {
	prefix, _, ok := t.Split()
	if !ok {
		return "unknown"
	}
	return prefix
}
