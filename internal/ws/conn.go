package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of messages that can be queued per client.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second
)

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
}

// ConnManager tracks all active WebSocket connections. It owns each
// client's buffered send channel and write pump, enforces the optional
// connection cap, and answers the reconciler's "which connection IDs are
// live on this instance" question.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]context.CancelFunc
	closed   bool
	maxConns int

	rejected        atomic.Int64
	droppedMessages atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// NewConnManager creates a new connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context
// is cancelled when the client is removed or the manager shuts down.
// Returns a cancelled context if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = cancel

	go cm.writePump(ctx, c)

	return ctx
}

// Remove stops a client's write pump and forgets it. Removing a client
// twice is a no-op, so a disconnect followed by an error cannot tear the
// same connection down again. The send channel is never closed; a Send
// that races a Remove queues into an orphaned buffer and is dropped with
// the client.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	cancel, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		cancel()
	}
}

// Has reports whether the client is still registered.
func (cm *ConnManager) Has(c *Client) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.clients[c]
	return ok
}

// Send queues a message for delivery to the client. Returns false if the
// client's buffer is full (slow consumer) or the client has been removed.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	if !cm.Has(c) {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		log.Printf("ws: send buffer full for user %s, dropping message", c.userID)
		return false
	}
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// LiveIDs returns the connection identifiers of every registered client.
// The reconciler compares this snapshot against the presence store to spot
// records pointing at connections this instance no longer holds.
func (cm *ConnManager) LiveIDs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ids := make([]string, 0, len(cm.clients))
	for c := range cm.clients {
		ids = append(ids, c.id)
	}
	return ids
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := make(map[*Client]context.CancelFunc, len(cm.clients))
	for c, cancel := range cm.clients {
		clients[c] = cancel
	}
	cm.clients = make(map[*Client]context.CancelFunc)
	cm.mu.Unlock()

	for c, cancel := range clients {
		cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// writePump drains the client's send channel, writing each message to the
// WebSocket connection. It exits when ctx is cancelled.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := c.conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
				cancel()
				log.Printf("ws: write to user %s failed: %v", c.userID, err)
				return
			}
			cancel()
		}
	}
}
