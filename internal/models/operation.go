package models

import (
	"encoding/json"
	"time"
)

// OperationKind names a mutating command that can wait in the offline queue.
type OperationKind string

const (
	OpSend         OperationKind = "send"
	OpMarkRead     OperationKind = "markRead"
	OpUpdateStatus OperationKind = "updateStatus"
	OpSetTyping    OperationKind = "setTyping"
	OpSoftDelete   OperationKind = "softDelete"
)

// OfflineOperation is a queued command. Origin is the acting user; replay is FIFO per origin.
type OfflineOperation struct {
	OpID       string          `json:"op_id"`
	Kind       OperationKind   `json:"kind"`
	Origin     string          `json:"origin"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// SendPayload carries the fully materialized message so ids and timestamps survive replay.
type SendPayload struct {
	Message Message `json:"message"`
}

// StatusPayload carries an updateStatus command.
type StatusPayload struct {
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
}

// MarkReadPayload carries a markAllRead command.
type MarkReadPayload struct {
	ConversationKey string `json:"conversation_key"`
	ReaderID        string `json:"reader_id"`
}

// TypingPayload carries a setTyping command.
type TypingPayload struct {
	ConversationKey string `json:"conversation_key"`
	UserID          string `json:"user_id"`
	IsTyping        bool   `json:"is_typing"`
}

// DeletePayload carries a softDelete command.
type DeletePayload struct {
	MessageID string `json:"message_id"`
}
