package chat

import (
	"context"
	"fmt"
	"log/slog"

	"messaging-core/internal/convkey"
	"messaging-core/internal/errs"
	"messaging-core/internal/hub"
	"messaging-core/internal/models"
	"messaging-core/internal/repositories"
)

// Index is the read side of the conversation summaries. Rows are only written as a side
// effect of Service commands; Recount is the one explicit repair operation.
type Index struct {
	store repositories.RemoteStore
	hub   Publisher
	locks *KeyedMutex
	log   *slog.Logger
}

// NewIndex builds the conversation index. locks must be the table used by the Service so a
// recount cannot interleave with a message write.
func NewIndex(store repositories.RemoteStore, pub Publisher, locks *KeyedMutex, log *slog.Logger) *Index {
	return &Index{store: store, hub: pub, locks: locks, log: log}
}

// ListForUser returns the user's conversations, most recently updated first.
func (x *Index) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := convkey.ValidateID(userID); err != nil {
		return nil, err
	}
	return x.store.ListConversations(ctx, userID)
}

// Get returns one conversation visible to actorID.
func (x *Index) Get(ctx context.Context, actorID, conversationKey string) (models.Conversation, error) {
	if _, _, err := convkey.Participants(conversationKey); err != nil {
		return models.Conversation{}, err
	}
	if !convkey.Includes(conversationKey, actorID) {
		return models.Conversation{}, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrForbidden)
	}
	return x.store.GetConversation(ctx, conversationKey)
}

// Recount rebuilds the unread counters of a conversation from message state and publishes
// the corrected row when it changed.
func (x *Index) Recount(ctx context.Context, conversationKey string) (models.Conversation, error) {
	if _, _, err := convkey.Participants(conversationKey); err != nil {
		return models.Conversation{}, err
	}

	unlock := x.locks.Lock(conversationKey)
	defer unlock()

	before, err := x.store.GetConversation(ctx, conversationKey)
	if err != nil {
		return models.Conversation{}, err
	}
	var after models.Conversation
	err = retryConflicts(ctx, "recount", func() error {
		var err error
		after, err = x.store.RecountUnread(ctx, conversationKey)
		return err
	})
	if err != nil {
		return models.Conversation{}, err
	}

	drift := false
	for _, uid := range after.ParticipantIDs {
		if before.Unread(uid) != after.Unread(uid) {
			drift = true
			x.log.Warn("conversation.unread.drift", "conversation_key", conversationKey, "user_id", uid,
				"cached", before.Unread(uid), "actual", after.Unread(uid))
		}
	}
	if drift {
		for _, uid := range after.ParticipantIDs {
			c := after.Clone()
			x.hub.Publish(hub.UserConversationsTopic(uid), models.Event{Type: models.EventConversationUpdated, Conversation: &c})
		}
	}
	return after, nil
}
