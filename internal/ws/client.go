package ws

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
)

// Client is one authenticated WebSocket connection. Identity fields are
// populated during the handshake, before the client joins the hub; nothing
// in this package ever sees an unauthenticated Client.
type Client struct {
	// id is the opaque connection identifier written to the presence
	// store. The reconciler compares stored IDs against live ones.
	id     string
	conn   *websocket.Conn
	send   chan []byte
	userID string
	email  string

	// Lifecycle state owned by the gateway. cleanupOnce guarantees the
	// teardown sequence runs exactly once whether the connection ends in
	// a disconnect or a transport error.
	cleanupOnce sync.Once
	stopRefresh context.CancelFunc
	dispatches  []Dispatch
	cleanups    []Cleanup
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user this connection belongs to.
func (c *Client) UserID() string { return c.userID }

// Email returns the authenticated user's email.
func (c *Client) Email() string { return c.email }
