package models

// EventType discriminates frames on the persistent event stream.
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventStatusChange        EventType = "status_change"
	EventMessageDeleted      EventType = "message_deleted"
	EventReactionChanged     EventType = "reaction_changed"
	EventTypingStart         EventType = "typing_start"
	EventTypingStop          EventType = "typing_stop"
	EventConversationUpdated EventType = "conversation_updated"
)

// StreamEvent is an inbound frame from the persistent connection. Which
// fields are set depends on Type; unknown types are dropped by the dispatcher.
type StreamEvent struct {
	Type         EventType      `json:"type"`
	TargetID     string         `json:"target_id,omitempty"`
	Message      *Message       `json:"message,omitempty"`
	MessageID    string         `json:"message_id,omitempty"`
	MessageIDs   []string       `json:"message_ids,omitempty"`
	Status       DeliveryStatus `json:"status,omitempty"`
	Reactions    ReactionMap    `json:"reactions,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Conversation *Conversation  `json:"conversation,omitempty"`
}

// Outbound frame types.
const (
	FrameTypingStart EventType = "typing_start"
	FrameTypingStop  EventType = "typing_stop"
	FrameJoinRoom    EventType = "join_room"
	FrameLeaveRoom   EventType = "leave_room"
)

// ClientFrame is an outbound frame sent over the persistent connection.
type ClientFrame struct {
	Type     EventType `json:"type"`
	TargetID string    `json:"target_id,omitempty"`
}
