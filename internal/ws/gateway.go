package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/lumenmatch/realtime/internal/auth"
	"github.com/lumenmatch/realtime/internal/presence"
	"github.com/lumenmatch/realtime/internal/ratelimit"
)

// Dispatch consumes one inbound envelope for a connection. It returns
// false when the envelope type is not one of the handler's, so the
// gateway can offer it to the next handler set.
type Dispatch func(ctx context.Context, env Envelope) bool

// Cleanup removes everything a handler set attached to a connection.
// Implementations must be idempotent.
type Cleanup func() error

// HandlerSet attaches domain event handling to an authenticated
// connection at connect time and hands back its teardown.
type HandlerSet interface {
	Attach(gw *Gateway, c *Client) (Dispatch, Cleanup)
}

// Gateway accepts WebSocket connections, runs the authentication
// handshake, and owns each connection's lifecycle: user-room membership,
// presence writes, the periodic refresher, attached handler sets, and
// exactly-once teardown. It also owns the singleton stale-entry
// reconciler.
type Gateway struct {
	hub        *Hub
	tracker    *presence.Tracker
	verifier   auth.Verifier
	handlers   []HandlerSet
	limiter    *ratelimit.Limiter
	reconciler *presence.Reconciler

	refreshEvery time.Duration

	// connOpts is consumed by New when it builds the hub.
	connOpts []ConnManagerOption
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHandlerSet registers a domain handler set; handler sets attach to
// every connection in registration order.
func WithHandlerSet(hs HandlerSet) Option {
	return func(gw *Gateway) {
		gw.handlers = append(gw.handlers, hs)
	}
}

// WithConnLimiter rate-limits connection attempts per client IP.
func WithConnLimiter(l *ratelimit.Limiter) Option {
	return func(gw *Gateway) {
		gw.limiter = l
	}
}

// WithConnCap caps concurrent connections.
func WithConnCap(n int) Option {
	return func(gw *Gateway) {
		gw.connOpts = append(gw.connOpts, WithMaxConns(n))
	}
}

// withRefreshInterval overrides the presence refresh cadence in tests.
func withRefreshInterval(d time.Duration) Option {
	return func(gw *Gateway) {
		gw.refreshEvery = d
	}
}

// New creates a Gateway over the given presence store and token verifier.
func New(store presence.Store, verifier auth.Verifier, opts ...Option) *Gateway {
	gw := &Gateway{
		tracker:      presence.NewTracker(store),
		verifier:     verifier,
		refreshEvery: presence.RefreshInterval,
	}

	for _, opt := range opts {
		opt(gw)
	}

	gw.hub = NewHub(gw.connOpts...)
	gw.connOpts = nil
	gw.reconciler = presence.NewReconciler(store, gw.hub.ConnMgr().LiveIDs)
	return gw
}

// Hub returns the gateway's hub.
func (gw *Gateway) Hub() *Hub {
	return gw.hub
}

// Start launches the stale-entry reconciler.
func (gw *Gateway) Start() {
	gw.reconciler.Start()
}

// StopReconciler halts the reconciler. Call during graceful shutdown so
// no timer keeps the process alive.
func (gw *Gateway) StopReconciler() {
	gw.reconciler.Stop()
}

// Shutdown stops the reconciler and closes every connection.
func (gw *Gateway) Shutdown() {
	gw.reconciler.Stop()
	gw.hub.ConnMgr().Shutdown()
}

// ServeHTTP authenticates and upgrades a connection, then runs its read
// loop until disconnect or transport error. No application event is
// processed before authentication succeeds.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if gw.limiter != nil && !gw.limiter.Allow(remoteIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity, err := gw.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		if !errors.Is(err, auth.ErrRejected) {
			log.Printf("ws: verifier error: %v", err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		userID: identity.UserID,
		email:  identity.Email,
	}

	connCtx := gw.onConnect(r.Context(), client)
	if connCtx.Err() != nil {
		// Manager closed or at capacity; Add already closed the socket.
		return
	}
	defer gw.cleanupClient(client)

	log.Printf("ws: user connected: %s (%s)", client.userID, client.id)
	gw.readLoop(r.Context(), connCtx, client)
	log.Printf("ws: user disconnected: %s (%s)", client.userID, client.id)
}

// onConnect wires an authenticated connection into the gateway: joins the
// user room, writes both presence records, starts the periodic refresher,
// and attaches every registered handler set.
func (gw *Gateway) onConnect(ctx context.Context, c *Client) context.Context {
	connCtx := gw.hub.addClient(c)
	if connCtx.Err() != nil {
		return connCtx
	}

	// A failed first write is not fatal: the next refresh tick retries
	// and the connection stays usable.
	if err := gw.tracker.SetOnline(ctx, c.userID, c.id); err != nil {
		log.Printf("ws: initial presence write for user %s: %v", c.userID, err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	c.stopRefresh = cancel
	go gw.refreshLoop(refreshCtx, c)

	for _, hs := range gw.handlers {
		dispatch, cleanup := hs.Attach(gw, c)
		if dispatch != nil {
			c.dispatches = append(c.dispatches, dispatch)
		}
		if cleanup != nil {
			c.cleanups = append(c.cleanups, cleanup)
		}
	}

	return connCtx
}

// cleanupClient tears a connection down exactly once, in order: stop the
// refresher, run handler cleanups, delete the presence records and
// broadcast user:offline, then drop the connection from the manager so a
// second disconnect or error event finds nothing to tear down.
func (gw *Gateway) cleanupClient(c *Client) {
	c.cleanupOnce.Do(func() {
		if c.stopRefresh != nil {
			c.stopRefresh()
		}

		for _, cleanup := range c.cleanups {
			runCleanup(c, cleanup)
		}

		if c.userID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := gw.tracker.SetOffline(ctx, c.userID); err != nil {
				log.Printf("ws: presence delete for user %s: %v", c.userID, err)
			}
			cancel()

			gw.broadcastExcept(c, EventUserOffline, PresenceEvent{
				UserID:    c.userID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
		}

		gw.hub.removeClient(c)
	})
}

// runCleanup isolates one handler cleanup so a failure or panic cannot
// stop the remaining cleanups from running.
func runCleanup(c *Client, cleanup Cleanup) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ws: handler cleanup panic for user %s: %v", c.userID, rec)
		}
	}()
	if err := cleanup(); err != nil {
		log.Printf("ws: handler cleanup for user %s: %v", c.userID, err)
	}
}

// refreshLoop re-writes the connection's presence records on a fixed
// cadence, well inside the record TTL. Store failures are logged and the
// next tick retries; a missed refresh never terminates the connection.
func (gw *Gateway) refreshLoop(ctx context.Context, c *Client) {
	ticker := time.NewTicker(gw.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := gw.tracker.Refresh(refreshCtx, c.userID, c.id); err != nil {
				log.Printf("ws: presence refresh for user %s: %v", c.userID, err)
			}
			cancel()
		}
	}
}

// readLoop reads envelopes from the client and offers each one to the
// attached handler sets until the connection closes or the manager
// cancels connCtx. Unknown envelope types are ignored.
func (gw *Gateway) readLoop(ctx context.Context, connCtx context.Context, c *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			// Graceful close and transport error share one exit; the
			// deferred cleanup runs the same path for both.
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		for _, dispatch := range c.dispatches {
			if dispatch(ctx, env) {
				break
			}
		}
	}
}

// send queues one event envelope for a single client.
func (gw *Gateway) send(c *Client, eventType string, payload any) {
	data, err := marshalEnvelope(eventType, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", eventType, err)
		return
	}
	gw.hub.ConnMgr().Send(c, data)
}

// sendError reports a failed request back to the client.
func (gw *Gateway) sendError(c *Client, code, msg string) {
	gw.send(c, EventError, ErrorPayload{Code: code, Message: msg})
}

// broadcastExcept fans an event out to every connection but one.
func (gw *Gateway) broadcastExcept(except *Client, eventType string, payload any) {
	data, err := marshalEnvelope(eventType, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", eventType, err)
		return
	}
	gw.hub.BroadcastExcept(except, data)
}

// bearerToken pulls the handshake credential from the Authorization
// header, falling back to the token query parameter for clients that
// cannot set headers on a WebSocket upgrade.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// remoteIP extracts the client IP for rate limiting.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
