package ws

import (
	"context"
	"log"
)

// Directory queries: read-only presence helpers for the rest of the
// platform (notifications, chat fallbacks, admin visibility). Nothing
// here mutates the presence store.

// IsOnline reports whether the user has a live presence record.
func (gw *Gateway) IsOnline(ctx context.Context, userID string) (bool, error) {
	return gw.tracker.IsOnline(ctx, userID)
}

// SendToUserIfOnline emits an event to the user's room if they have a
// live presence record. A user without one is a normal outcome, reported
// as delivered=false with a nil error; the caller decides whether to
// queue or fall back to a push notification.
func (gw *Gateway) SendToUserIfOnline(ctx context.Context, userID, eventType string, payload any) (bool, error) {
	_, ok, err := gw.tracker.SocketFor(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	data, err := marshalEnvelope(eventType, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", eventType, err)
		return false, err
	}
	gw.hub.Broadcast(UserRoom(userID), data)
	return true, nil
}

// ListOnlineUsers returns a best-effort snapshot of all online user IDs,
// in no particular order. Meant for admin/ops visibility, not hot-path
// delivery.
func (gw *Gateway) ListOnlineUsers(ctx context.Context) ([]string, error) {
	return gw.tracker.OnlineUsers(ctx)
}
