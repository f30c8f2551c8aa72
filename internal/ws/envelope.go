package ws

import "encoding/json"

// Envelope is the JSON structure exchanged over the WebSocket. Type names
// the event; Payload is event-specific.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event names understood by the built-in handler sets. Server-to-client
// broadcasts use the user:* and chat:*:new names; the rest are client
// requests.
const (
	EventUserOnline  = "user:online"
	EventUserOffline = "user:offline"

	EventPresenceOnline       = "presence:online"
	EventPresenceOffline      = "presence:offline"
	EventPresenceCheck        = "presence:check"
	EventPresenceCheckResult  = "presence:check:result"
	EventPresenceGetOnline    = "presence:get-online"
	EventPresenceOnlineList   = "presence:online:list"
	EventPresenceHeartbeat    = "presence:heartbeat"
	EventPresenceHeartbeatAck = "presence:heartbeat:ack"
	EventPresenceActivity     = "presence:activity"
	EventUserActivity         = "user:activity"

	EventChatMessage    = "chat:message"
	EventChatMessageNew = "chat:message:new"
	EventChatAck        = "chat:ack"
	EventChatTyping     = "chat:typing"
	EventChatTypingStop = "chat:typing:stop"

	EventError = "error"
)

// PresenceEvent is broadcast when a user comes online or goes offline.
type PresenceEvent struct {
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// PresenceCheckRequest asks for the online status of specific users.
type PresenceCheckRequest struct {
	UserIDs []string `json:"user_ids"`
}

// PresenceCheckResult maps each requested user ID to its online status.
type PresenceCheckResult struct {
	Statuses map[string]bool `json:"statuses"`
}

// OnlineListPayload carries the snapshot of all online users.
type OnlineListPayload struct {
	UserIDs []string `json:"user_ids"`
}

// ActivityRequest updates the sender's activity status, such as "active",
// "away", or "typing".
type ActivityRequest struct {
	Activity string          `json:"activity"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ActivityEvent announces a user's activity change.
type ActivityEvent struct {
	UserID   string          `json:"user_id"`
	Activity string          `json:"activity"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// HeartbeatAck confirms a presence heartbeat was applied.
type HeartbeatAck struct {
	Timestamp string `json:"timestamp"`
}

// ChatMessageRequest is a client request to deliver a message.
type ChatMessageRequest struct {
	ChatID   string          `json:"chat_id"`
	To       string          `json:"to"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ChatMessageEvent is delivered to the recipient's room.
type ChatMessageEvent struct {
	ChatID   string          `json:"chat_id"`
	From     string          `json:"from"`
	Content  string          `json:"content"`
	SentAt   string          `json:"sent_at"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ChatAck tells the sender whether the message reached an online recipient.
// Delivered false means the caller should fall back to a push notification.
type ChatAck struct {
	ChatID    string `json:"chat_id"`
	Delivered bool   `json:"delivered"`
}

// TypingEvent signals typing state in a chat.
type TypingEvent struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id,omitempty"`
	To     string `json:"to,omitempty"`
}

// ErrorPayload is sent to a client when a request fails.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// marshalEnvelope builds the wire bytes for an event and its payload.
func marshalEnvelope(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: data})
}
