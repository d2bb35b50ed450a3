package models

import "time"

// Conversation is the denormalized summary row of a two-party conversation.
type Conversation struct {
	Key            string         `json:"conversation_key"`
	ParticipantIDs [2]string      `json:"participant_ids"`
	LastMessageID  string         `json:"last_message_id"`
	LastMessageAt  time.Time      `json:"last_message_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	UnreadCount    map[string]int `json:"unread_count"`
}

// Unread returns the unread counter for userID.
func (c Conversation) Unread(userID string) int {
	return c.UnreadCount[userID]
}

// Clone returns a deep copy so callers never share the counter map.
func (c Conversation) Clone() Conversation {
	out := c
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	return out
}

// PresenceState is the online flag of a user.
type PresenceState struct {
	UserID   string    `db:"user_id" json:"user_id"`
	IsOnline bool      `db:"is_online" json:"is_online"`
	LastSeen time.Time `db:"last_seen" json:"last_seen"`
}

// TypingState is the ephemeral typing flag of a user inside one conversation.
type TypingState struct {
	ConversationKey string    `db:"conversation_key" json:"conversation_key"`
	UserID          string    `db:"user_id" json:"user_id"`
	IsTyping        bool      `db:"is_typing" json:"is_typing"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}
