package models

import (
	"time"
)

// MessageType enumerates message payload kinds.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
	TypeVideo MessageType = "video"
)

// MessageStatus is the delivery state of a message. It only moves forward.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Tombstone replaces the content of a soft-deleted message.
const Tombstone = "This message was deleted"

var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses along sent -> delivered -> read.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeVideo:
		return true
	}
	return false
}

// Message represents a one-to-one chat message.
type Message struct {
	ID              string        `db:"id" json:"id"`
	ConversationKey string        `db:"conversation_key" json:"conversation_key"`
	SenderID        string        `db:"sender_id" json:"sender_id"`
	ReceiverID      string        `db:"receiver_id" json:"receiver_id"`
	Content         string        `db:"content" json:"content"`
	Type            MessageType   `db:"type" json:"type"`
	Status          MessageStatus `db:"status" json:"status"`
	Timestamp       time.Time     `db:"created_at" json:"timestamp"`
	IsDeleted       bool          `db:"is_deleted" json:"is_deleted"`
	// Optimistic is set on the placeholder returned while the send waits in the offline queue.
	Optimistic bool `db:"-" json:"optimistic,omitempty"`
}

// PageCursor bounds a history page. Only messages strictly older than the cursor are returned.
// When BeforeID is set its timestamp is used and BeforeTime is ignored.
type PageCursor struct {
	BeforeID   string
	BeforeTime time.Time
}

// IsZero reports whether the cursor is unset.
func (c PageCursor) IsZero() bool {
	return c.BeforeID == "" && c.BeforeTime.IsZero()
}

// Now returns the timestamp format used for every stored time: UTC, microsecond precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
