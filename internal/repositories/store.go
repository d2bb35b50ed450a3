package repositories

import (
	"context"

	"messaging-core/internal/models"
)

// ChangeKind names a committed mutation reported by the change feed.
type ChangeKind string

const (
	ChangeMessageCreated ChangeKind = "message_created"
	ChangeStatusChanged  ChangeKind = "status_changed"
	ChangeMessageDeleted ChangeKind = "message_deleted"
	ChangeReadAll        ChangeKind = "read_all"
)

// Change is one committed mutation as seen by Watch.
type Change struct {
	Origin          string     `json:"origin"`
	Kind            ChangeKind `json:"kind"`
	ConversationKey string     `json:"conversation_key"`
	MessageID       string     `json:"message_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
}

// InsertResult reports the conversation row after an insert. Inserted is false when a
// message with the same id already existed and nothing changed.
type InsertResult struct {
	Conversation models.Conversation
	Inserted     bool
}

// RemoteStore is the durable keyed store behind the messaging core.
//
// Every mutating method commits the message rows and the conversation row in one
// transaction. Implementations report an unreachable backend as errs.ErrConnectivity and a
// lost compare-and-set or serialization failure as errs.ErrConflict.
type RemoteStore interface {
	Ping(ctx context.Context) error

	InsertMessage(ctx context.Context, msg models.Message) (InsertResult, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	// UpdateStatus moves messageID from status `from` to `to`, failing with ErrConflict when
	// the stored status is no longer `from`.
	UpdateStatus(ctx context.Context, messageID string, from, to models.MessageStatus) (models.Message, models.Conversation, error)
	MarkAllRead(ctx context.Context, conversationKey, readerID string) ([]models.Message, models.Conversation, error)
	SoftDelete(ctx context.Context, messageID, tombstone string) (models.Message, models.Conversation, error)
	PageMessages(ctx context.Context, conversationKey string, limit int, cursor models.PageCursor) ([]models.Message, error)

	GetConversation(ctx context.Context, conversationKey string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	RecountUnread(ctx context.Context, conversationKey string) (models.Conversation, error)

	PutPresence(ctx context.Context, state models.PresenceState) error
	GetPresence(ctx context.Context, userID string) (models.PresenceState, error)
	PutTyping(ctx context.Context, state models.TypingState) error

	// Watch streams committed changes until ctx is cancelled.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}
