package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// PresenceHandlers is the handler set for online/offline tracking:
// explicit presence flips, bulk status checks, the online-user snapshot,
// activity updates, and client heartbeats.
type PresenceHandlers struct{}

// Attach registers the presence event handling for one connection.
func (PresenceHandlers) Attach(gw *Gateway, c *Client) (Dispatch, Cleanup) {
	dispatch := func(ctx context.Context, env Envelope) bool {
		switch env.Type {
		case EventPresenceOnline:
			if err := gw.tracker.SetOnline(ctx, c.userID, c.id); err != nil {
				log.Printf("ws: presence online for user %s: %v", c.userID, err)
				gw.sendError(c, "PRESENCE_ERROR", "failed to update online status")
				return true
			}
			gw.broadcastExcept(c, EventUserOnline, PresenceEvent{
				UserID:    c.userID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})

		case EventPresenceOffline:
			if err := gw.tracker.SetOffline(ctx, c.userID); err != nil {
				log.Printf("ws: presence offline for user %s: %v", c.userID, err)
				gw.sendError(c, "PRESENCE_ERROR", "failed to update offline status")
				return true
			}
			gw.broadcastExcept(c, EventUserOffline, PresenceEvent{
				UserID:    c.userID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})

		case EventPresenceCheck:
			var req PresenceCheckRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				gw.sendError(c, "PRESENCE_ERROR", "invalid presence:check payload")
				return true
			}
			statuses := make(map[string]bool, len(req.UserIDs))
			for _, id := range req.UserIDs {
				online, err := gw.tracker.IsOnline(ctx, id)
				if err != nil {
					log.Printf("ws: presence check for user %s: %v", id, err)
				}
				statuses[id] = online
			}
			gw.send(c, EventPresenceCheckResult, PresenceCheckResult{Statuses: statuses})

		case EventPresenceGetOnline:
			users, err := gw.tracker.OnlineUsers(ctx)
			if err != nil {
				log.Printf("ws: online snapshot for user %s: %v", c.userID, err)
				gw.sendError(c, "PRESENCE_ERROR", "failed to get online users")
				return true
			}
			gw.send(c, EventPresenceOnlineList, OnlineListPayload{UserIDs: users})

		case EventPresenceActivity:
			var req ActivityRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil || req.Activity == "" {
				gw.sendError(c, "PRESENCE_ERROR", "invalid presence:activity payload")
				return true
			}
			if err := gw.tracker.SetActivity(ctx, c.userID, req.Activity); err != nil {
				log.Printf("ws: activity update for user %s: %v", c.userID, err)
				gw.sendError(c, "PRESENCE_ERROR", "failed to update activity status")
				return true
			}
			ev := ActivityEvent{UserID: c.userID, Activity: req.Activity, Metadata: req.Metadata}
			// Typing is chat-scoped: deliver it to the named recipient
			// instead of announcing it to everyone.
			if req.Activity == "typing" && len(req.Metadata) > 0 {
				var meta struct {
					To string `json:"to"`
				}
				if err := json.Unmarshal(req.Metadata, &meta); err == nil && meta.To != "" {
					if _, err := gw.SendToUserIfOnline(ctx, meta.To, EventUserActivity, ev); err != nil {
						log.Printf("ws: activity delivery from %s to %s: %v", c.userID, meta.To, err)
					}
					return true
				}
			}
			gw.broadcastExcept(c, EventUserActivity, ev)

		case EventPresenceHeartbeat:
			if err := gw.tracker.Refresh(ctx, c.userID, c.id); err != nil {
				log.Printf("ws: heartbeat for user %s: %v", c.userID, err)
				return true
			}
			gw.send(c, EventPresenceHeartbeatAck, HeartbeatAck{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})

		default:
			return false
		}
		return true
	}

	// No listener state beyond the dispatch itself, which the gateway
	// drops during teardown.
	cleanup := func() error { return nil }

	return dispatch, cleanup
}
