// Package presence tracks who is online and who is typing where.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"messaging-core/internal/convkey"
	"messaging-core/internal/errs"
	"messaging-core/internal/hub"
	"messaging-core/internal/models"
)

// DefaultTypingTTL is how long a typing flag lives without a refresh.
const DefaultTypingTTL = 8 * time.Second

// Store is the slice of the remote store the signaler writes through to.
type Store interface {
	PutPresence(ctx context.Context, state models.PresenceState) error
	GetPresence(ctx context.Context, userID string) (models.PresenceState, error)
	PutTyping(ctx context.Context, state models.TypingState) error
}

// Queue parks typing updates that could not reach the store.
type Queue interface {
	Enqueue(kind models.OperationKind, origin string, payload any) (models.OfflineOperation, error)
	Pending(origin string) bool
}

// Publisher fans events out to live subscribers.
type Publisher interface {
	Publish(topic hub.Topic, evt models.Event)
}

// Signaler owns presence and typing state. Local state is authoritative: it is updated and
// published before the write-through, so subscribers never wait on the store.
type Signaler struct {
	store Store
	queue Queue
	hub   Publisher
	log   *slog.Logger
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	presence map[string]models.PresenceState
	typing   map[typingKey]*typingEntry
	closed   bool
}

type typingKey struct {
	conversation string
	user         string
}

type typingEntry struct {
	state models.TypingState
	timer *time.Timer
	gen   uint64
}

// Option configures a Signaler.
type Option func(*Signaler)

// WithTypingTTL sets the inactivity window after which typing expires.
func WithTypingTTL(d time.Duration) Option {
	return func(s *Signaler) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// New builds a Signaler.
func New(store Store, queue Queue, pub Publisher, log *slog.Logger, opts ...Option) *Signaler {
	s := &Signaler{
		store:    store,
		queue:    queue,
		hub:      pub,
		log:      log,
		ttl:      DefaultTypingTTL,
		now:      models.Now,
		presence: make(map[string]models.PresenceState),
		typing:   make(map[typingKey]*typingEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TypingTTL returns the configured expiry window.
func (s *Signaler) TypingTTL() time.Duration { return s.ttl }

// SetOnline records the user's online flag. The latest call wins.
func (s *Signaler) SetOnline(ctx context.Context, userID string, online bool) (models.PresenceState, error) {
	if err := convkey.ValidateID(userID); err != nil {
		return models.PresenceState{}, err
	}
	state := models.PresenceState{UserID: userID, IsOnline: online, LastSeen: s.now()}

	s.mu.Lock()
	s.presence[userID] = state
	evtState := state
	s.hub.Publish(hub.PresenceTopic(userID), models.Event{Type: models.EventPresenceChanged, Presence: &evtState})
	s.mu.Unlock()

	if err := s.store.PutPresence(ctx, state); err != nil {
		s.log.Warn("presence.persist.failed", "user_id", userID, "error", err)
		return state, err
	}
	s.log.Debug("presence.changed", "user_id", userID, "online", online)
	return state, nil
}

// Presence returns the user's last known state. Users never seen are reported offline.
func (s *Signaler) Presence(ctx context.Context, userID string) (models.PresenceState, error) {
	if err := convkey.ValidateID(userID); err != nil {
		return models.PresenceState{}, err
	}
	s.mu.Lock()
	state, ok := s.presence[userID]
	s.mu.Unlock()
	if ok {
		return state, nil
	}

	state, err := s.store.GetPresence(ctx, userID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return models.PresenceState{UserID: userID}, nil
	case err != nil:
		return models.PresenceState{}, err
	}
	return state, nil
}

// SetTyping publishes the typing flag immediately. A true flag expires on its own after the
// TTL unless refreshed; a refresh only extends the window.
func (s *Signaler) SetTyping(ctx context.Context, conversationKey, userID string, typing bool) (models.TypingState, error) {
	if _, _, err := convkey.Participants(conversationKey); err != nil {
		return models.TypingState{}, err
	}
	if !convkey.Includes(conversationKey, userID) {
		return models.TypingState{}, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrForbidden)
	}
	state := models.TypingState{ConversationKey: conversationKey, UserID: userID, IsTyping: typing, UpdatedAt: s.now()}
	s.apply(state)
	s.persistTyping(ctx, state)
	return state, nil
}

// apply updates local typing state, arms or disarms the expiry timer and publishes on change.
func (s *Signaler) apply(state models.TypingState) {
	k := typingKey{conversation: state.ConversationKey, user: state.UserID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	entry, ok := s.typing[k]
	if !ok {
		entry = &typingEntry{}
		s.typing[k] = entry
	}
	changed := !ok || entry.state.IsTyping != state.IsTyping
	entry.state = state
	entry.gen++
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}

	if state.IsTyping {
		gen := entry.gen
		entry.timer = time.AfterFunc(s.ttl, func() { s.expire(k, gen) })
	} else {
		delete(s.typing, k)
	}

	if changed {
		evtState := state
		s.hub.Publish(hub.TypingTopic(state.ConversationKey), models.Event{Type: models.EventTypingChanged, Typing: &evtState})
	}
}

func (s *Signaler) expire(k typingKey, gen uint64) {
	s.mu.Lock()
	entry, ok := s.typing[k]
	if !ok || entry.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.typing, k)
	state := models.TypingState{ConversationKey: k.conversation, UserID: k.user, IsTyping: false, UpdatedAt: s.now()}
	evtState := state
	s.hub.Publish(hub.TypingTopic(k.conversation), models.Event{Type: models.EventTypingChanged, Typing: &evtState})
	s.mu.Unlock()

	s.log.Debug("typing.expired", "conversation_key", k.conversation, "user_id", k.user)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.PutTyping(ctx, state); err != nil {
		s.log.Debug("typing.persist.failed", "conversation_key", k.conversation, "user_id", k.user, "error", err)
	}
}

// persistTyping writes the flag through to the store, queueing it when the store is
// unreachable or the user's lane is already waiting.
func (s *Signaler) persistTyping(ctx context.Context, state models.TypingState) {
	payload := models.TypingPayload{ConversationKey: state.ConversationKey, UserID: state.UserID, IsTyping: state.IsTyping}
	if !s.queue.Pending(state.UserID) {
		err := s.store.PutTyping(ctx, state)
		if err == nil {
			return
		}
		if !errors.Is(err, errs.ErrConnectivity) {
			s.log.Warn("typing.persist.failed", "conversation_key", state.ConversationKey, "user_id", state.UserID, "error", err)
			return
		}
	}
	if _, err := s.queue.Enqueue(models.OpSetTyping, state.UserID, payload); err != nil {
		s.log.Warn("typing.queue.failed", "conversation_key", state.ConversationKey, "user_id", state.UserID, "error", err)
	}
}

// Replay applies a queued setTyping. Flags older than the TTL have expired already and are
// dropped without touching the store.
func (s *Signaler) Replay(ctx context.Context, op models.OfflineOperation) error {
	if op.Kind != models.OpSetTyping {
		return errs.Validation("operation kind", fmt.Sprintf("%q is not a typing command", op.Kind))
	}
	var p models.TypingPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return fmt.Errorf("%w: decode typing payload of %s: %v", errs.ErrValidation, op.OpID, err)
	}
	if s.now().Sub(op.EnqueuedAt) > s.ttl {
		s.log.Debug("typing.replay.stale", "op_id", op.OpID, "conversation_key", p.ConversationKey)
		return nil
	}
	return s.store.PutTyping(ctx, models.TypingState{
		ConversationKey: p.ConversationKey,
		UserID:          p.UserID,
		IsTyping:        p.IsTyping,
		UpdatedAt:       op.EnqueuedAt,
	})
}

// Close stops every pending expiry timer.
func (s *Signaler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for k, entry := range s.typing {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.typing, k)
	}
}
