package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"messaging-core/internal/convkey"
	"messaging-core/internal/errs"
	"messaging-core/internal/models"
)

var errMemoryOffline = fmt.Errorf("memory store marked unavailable")

// MemoryStore is the in-process RemoteStore used when no database is configured and in tests.
// SetAvailable(false) makes every call fail with ErrConnectivity, which is how offline
// behavior is exercised without a network.
type MemoryStore struct {
	origin    string
	available atomic.Bool

	mu            sync.Mutex
	messages      map[string]models.Message
	byKey         map[string][]string // conversation key -> message ids in insertion order
	conversations map[string]models.Conversation
	presence      map[string]models.PresenceState
	typing        map[string]models.TypingState

	watchMu  sync.Mutex
	watchers map[chan Change]struct{}
}

// NewMemoryStore constructs an empty, available store. Changes are stamped with origin.
func NewMemoryStore(origin string) *MemoryStore {
	s := &MemoryStore{
		origin:        origin,
		messages:      make(map[string]models.Message),
		byKey:         make(map[string][]string),
		conversations: make(map[string]models.Conversation),
		presence:      make(map[string]models.PresenceState),
		typing:        make(map[string]models.TypingState),
		watchers:      make(map[chan Change]struct{}),
	}
	s.available.Store(true)
	return s
}

// SetAvailable toggles simulated connectivity.
func (s *MemoryStore) SetAvailable(ok bool) {
	s.available.Store(ok)
}

func (s *MemoryStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.available.Load() {
		return errs.Connectivity(op, errMemoryOffline)
	}
	return nil
}

// Ping reports availability.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

// Close is a noop for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// InsertMessage stores msg and bumps the conversation row. Re-inserting an existing id is a noop.
func (s *MemoryStore) InsertMessage(ctx context.Context, msg models.Message) (InsertResult, error) {
	if err := s.check(ctx, "insert message"); err != nil {
		return InsertResult{}, err
	}
	s.mu.Lock()
	if _, ok := s.messages[msg.ID]; ok {
		conv := s.conversations[msg.ConversationKey].Clone()
		s.mu.Unlock()
		return InsertResult{Conversation: conv, Inserted: false}, nil
	}

	msg.Optimistic = false
	s.messages[msg.ID] = msg
	s.byKey[msg.ConversationKey] = append(s.byKey[msg.ConversationKey], msg.ID)

	conv, ok := s.conversations[msg.ConversationKey]
	if !ok {
		a, b, _ := convkey.Participants(msg.ConversationKey)
		conv = models.Conversation{
			Key:            msg.ConversationKey,
			ParticipantIDs: [2]string{a, b},
			UnreadCount:    map[string]int{a: 0, b: 0},
		}
	}
	conv = conv.Clone()
	if !msg.Timestamp.Before(conv.LastMessageAt) {
		conv.LastMessageID = msg.ID
		conv.LastMessageAt = msg.Timestamp
	}
	conv.UnreadCount[msg.ReceiverID]++
	conv.UpdatedAt = models.Now()
	s.conversations[msg.ConversationKey] = conv
	out := conv.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessageCreated, ConversationKey: msg.ConversationKey, MessageID: msg.ID})
	return InsertResult{Conversation: out, Inserted: true}, nil
}

// GetMessage fetches one message.
func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := s.check(ctx, "get message"); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, fmt.Errorf("message %q: %w", messageID, errs.ErrNotFound)
	}
	return msg, nil
}

// UpdateStatus is a compare-and-set on the message status.
func (s *MemoryStore) UpdateStatus(ctx context.Context, messageID string, from, to models.MessageStatus) (models.Message, models.Conversation, error) {
	if err := s.check(ctx, "update status"); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, models.Conversation{}, fmt.Errorf("message %q: %w", messageID, errs.ErrNotFound)
	}
	if msg.Status != from {
		s.mu.Unlock()
		return models.Message{}, models.Conversation{}, fmt.Errorf("message %q status is %s, expected %s: %w", messageID, msg.Status, from, errs.ErrConflict)
	}
	msg.Status = to
	s.messages[messageID] = msg

	conv := s.conversations[msg.ConversationKey].Clone()
	if to == models.StatusRead && !msg.IsDeleted {
		conv.UnreadCount[msg.ReceiverID] = max(conv.UnreadCount[msg.ReceiverID]-1, 0)
		conv.UpdatedAt = models.Now()
	}
	s.conversations[msg.ConversationKey] = conv
	out := conv.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeStatusChanged, ConversationKey: msg.ConversationKey, MessageID: msg.ID})
	return msg, out, nil
}

// MarkAllRead moves every unread message addressed to readerID to read and zeroes the counter.
func (s *MemoryStore) MarkAllRead(ctx context.Context, conversationKey, readerID string) ([]models.Message, models.Conversation, error) {
	if err := s.check(ctx, "mark all read"); err != nil {
		return nil, models.Conversation{}, err
	}
	s.mu.Lock()
	conv, ok := s.conversations[conversationKey]
	if !ok {
		s.mu.Unlock()
		return nil, models.Conversation{}, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrNotFound)
	}

	var changed []models.Message
	for _, id := range s.byKey[conversationKey] {
		msg := s.messages[id]
		if msg.ReceiverID != readerID || msg.Status == models.StatusRead {
			continue
		}
		msg.Status = models.StatusRead
		s.messages[id] = msg
		changed = append(changed, msg)
	}
	conv = conv.Clone()
	conv.UnreadCount[readerID] = 0
	conv.UpdatedAt = models.Now()
	s.conversations[conversationKey] = conv
	out := conv.Clone()
	s.mu.Unlock()

	sortNewestFirst(changed)
	s.emit(Change{Kind: ChangeReadAll, ConversationKey: conversationKey, UserID: readerID})
	return changed, out, nil
}

// SoftDelete tombstones the message. A second delete fails with ErrInvalidTransition.
func (s *MemoryStore) SoftDelete(ctx context.Context, messageID, tombstone string) (models.Message, models.Conversation, error) {
	if err := s.check(ctx, "soft delete"); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, models.Conversation{}, fmt.Errorf("message %q: %w", messageID, errs.ErrNotFound)
	}
	if msg.IsDeleted {
		s.mu.Unlock()
		return models.Message{}, models.Conversation{}, errs.Transition("message %q already deleted", messageID)
	}
	msg.IsDeleted = true
	msg.Content = tombstone
	s.messages[messageID] = msg

	conv := s.conversations[msg.ConversationKey].Clone()
	if msg.Status != models.StatusRead {
		conv.UnreadCount[msg.ReceiverID] = max(conv.UnreadCount[msg.ReceiverID]-1, 0)
	}
	conv.UpdatedAt = models.Now()
	s.conversations[msg.ConversationKey] = conv
	out := conv.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessageDeleted, ConversationKey: msg.ConversationKey, MessageID: msg.ID})
	return msg, out, nil
}

// PageMessages returns up to limit messages older than cursor, newest first.
func (s *MemoryStore) PageMessages(ctx context.Context, conversationKey string, limit int, cursor models.PageCursor) ([]models.Message, error) {
	if err := s.check(ctx, "page messages"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before := cursor.BeforeTime
	if cursor.BeforeID != "" {
		ref, ok := s.messages[cursor.BeforeID]
		if !ok || ref.ConversationKey != conversationKey {
			return nil, fmt.Errorf("cursor message %q: %w", cursor.BeforeID, errs.ErrNotFound)
		}
		before = ref.Timestamp
	}

	snap := lo.FilterMap(s.byKey[conversationKey], func(id string, _ int) (models.Message, bool) {
		msg := s.messages[id]
		if !before.IsZero() && !msg.Timestamp.Before(before) {
			return models.Message{}, false
		}
		return msg, true
	})
	sortNewestFirst(snap)
	if len(snap) > limit {
		snap = snap[:limit]
	}
	return snap, nil
}

// GetConversation fetches one conversation row.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationKey string) (models.Conversation, error) {
	if err := s.check(ctx, "get conversation"); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationKey]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrNotFound)
	}
	return conv.Clone(), nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := s.check(ctx, "list conversations"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Conversation
	for _, conv := range s.conversations {
		if conv.ParticipantIDs[0] == userID || conv.ParticipantIDs[1] == userID {
			out = append(out, conv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// RecountUnread rebuilds the unread counters from message state.
func (s *MemoryStore) RecountUnread(ctx context.Context, conversationKey string) (models.Conversation, error) {
	if err := s.check(ctx, "recount unread"); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationKey]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrNotFound)
	}
	conv = conv.Clone()
	for _, p := range conv.ParticipantIDs {
		conv.UnreadCount[p] = 0
	}
	for _, id := range s.byKey[conversationKey] {
		msg := s.messages[id]
		if msg.Status != models.StatusRead && !msg.IsDeleted {
			conv.UnreadCount[msg.ReceiverID]++
		}
	}
	s.conversations[conversationKey] = conv
	return conv.Clone(), nil
}

// PutPresence stores the user's presence.
func (s *MemoryStore) PutPresence(ctx context.Context, state models.PresenceState) error {
	if err := s.check(ctx, "put presence"); err != nil {
		return err
	}
	s.mu.Lock()
	s.presence[state.UserID] = state
	s.mu.Unlock()
	return nil
}

// GetPresence fetches the user's presence.
func (s *MemoryStore) GetPresence(ctx context.Context, userID string) (models.PresenceState, error) {
	if err := s.check(ctx, "get presence"); err != nil {
		return models.PresenceState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.presence[userID]
	if !ok {
		return models.PresenceState{}, fmt.Errorf("presence %q: %w", userID, errs.ErrNotFound)
	}
	return state, nil
}

// PutTyping stores the typing flag.
func (s *MemoryStore) PutTyping(ctx context.Context, state models.TypingState) error {
	if err := s.check(ctx, "put typing"); err != nil {
		return err
	}
	s.mu.Lock()
	s.typing[state.ConversationKey+"/"+state.UserID] = state
	s.mu.Unlock()
	return nil
}

// Watch streams changes committed through this store until ctx is done.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 64)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.watchMu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) emit(change Change) {
	change.Origin = s.origin
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

func sortNewestFirst(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
}
