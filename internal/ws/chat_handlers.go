package ws

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"
)

// maxMessageLength caps chat message content.
const maxMessageLength = 2000

// ChatHandlers is the delivery half of chat: it forwards messages and
// typing signals to the recipient's room and acks the sender with the
// delivery outcome. Persistence belongs to the platform's data layer, not
// here; an undelivered ack is the caller's cue to fall back to push.
type ChatHandlers struct{}

// Attach registers chat event handling for one connection. The returned
// cleanup sends typing-stop to anyone the user was still typing to.
func (ChatHandlers) Attach(gw *Gateway, c *Client) (Dispatch, Cleanup) {
	var mu sync.Mutex
	typingTo := make(map[string]string) // chat ID -> recipient user ID

	dispatch := func(ctx context.Context, env Envelope) bool {
		switch env.Type {
		case EventChatMessage:
			var req ChatMessageRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				gw.sendError(c, "CHAT_ERROR", "invalid chat:message payload")
				return true
			}
			content := strings.TrimSpace(req.Content)
			if req.ChatID == "" || req.To == "" || content == "" {
				gw.sendError(c, "CHAT_ERROR", "chat_id, to, and content are required")
				return true
			}
			if len(content) > maxMessageLength {
				gw.sendError(c, "CHAT_ERROR", "message exceeds maximum length of 2000 characters")
				return true
			}

			delivered, err := gw.SendToUserIfOnline(ctx, req.To, EventChatMessageNew, ChatMessageEvent{
				ChatID:   req.ChatID,
				From:     c.userID,
				Content:  content,
				SentAt:   time.Now().UTC().Format(time.RFC3339),
				Metadata: req.Metadata,
			})
			if err != nil {
				log.Printf("ws: chat delivery from %s to %s: %v", c.userID, req.To, err)
			}
			gw.send(c, EventChatAck, ChatAck{ChatID: req.ChatID, Delivered: delivered})

		case EventChatTyping:
			var ev TypingEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.ChatID == "" || ev.To == "" {
				return true
			}
			mu.Lock()
			typingTo[ev.ChatID] = ev.To
			mu.Unlock()
			gw.SendToUserIfOnline(ctx, ev.To, EventChatTyping, TypingEvent{
				ChatID: ev.ChatID,
				UserID: c.userID,
			})

		case EventChatTypingStop:
			var ev TypingEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.ChatID == "" {
				return true
			}
			mu.Lock()
			to := typingTo[ev.ChatID]
			delete(typingTo, ev.ChatID)
			mu.Unlock()
			if to == "" {
				to = ev.To
			}
			if to != "" {
				gw.SendToUserIfOnline(ctx, to, EventChatTypingStop, TypingEvent{
					ChatID: ev.ChatID,
					UserID: c.userID,
				})
			}

		default:
			return false
		}
		return true
	}

	var once sync.Once
	cleanup := func() error {
		once.Do(func() {
			mu.Lock()
			pending := make(map[string]string, len(typingTo))
			for chatID, to := range typingTo {
				pending[chatID] = to
			}
			typingTo = make(map[string]string)
			mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for chatID, to := range pending {
				gw.SendToUserIfOnline(ctx, to, EventChatTypingStop, TypingEvent{
					ChatID: chatID,
					UserID: c.userID,
				})
			}
		})
		return nil
	}

	return dispatch, cleanup
}
