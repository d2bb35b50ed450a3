package models

import "time"

// EventType names what happened on a topic.
type EventType string

const (
	EventMessageCreated       EventType = "message_created"
	EventMessageStatusChanged EventType = "message_status_changed"
	EventMessageDeleted       EventType = "message_deleted"
	EventConversationUpdated  EventType = "conversation_updated"
	EventTypingChanged        EventType = "typing_changed"
	EventPresenceChanged      EventType = "presence_changed"
)

// Event is broadcasted through the delivery hub and websockets.
type Event struct {
	Type         EventType      `json:"type"`
	Topic        string         `json:"topic"`
	Message      *Message       `json:"message,omitempty"`
	Conversation *Conversation  `json:"conversation,omitempty"`
	Typing       *TypingState   `json:"typing,omitempty"`
	Presence     *PresenceState `json:"presence,omitempty"`
	At           time.Time      `json:"at"`
}
