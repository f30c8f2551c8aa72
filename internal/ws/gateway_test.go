package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lumenmatch/realtime/internal/auth"
	"github.com/lumenmatch/realtime/internal/presence"
	"github.com/lumenmatch/realtime/internal/ratelimit"
	"nhooyr.io/websocket"
)

// fakeVerifier accepts tokens of the form "tok-<userID>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	userID, ok := strings.CutPrefix(token, "tok-")
	if !ok || userID == "" {
		return auth.Identity{}, auth.ErrRejected
	}
	return auth.Identity{UserID: userID, Email: userID + "@example.com"}, nil
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := New(presence.NewRedisStore(client), fakeVerifier{}, opts...)
	return gw, mr
}

func newGatewayServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return ts
}

// dialGateway connects as the given user via the token query parameter.
func dialGateway(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=tok-" + userID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatal(msg)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	data, err := marshalEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

// recordingHandlerSet counts attaches, dispatched envelopes, and cleanups.
type recordingHandlerSet struct {
	attached  atomic.Int32
	cleanups  atomic.Int32
	envelopes atomic.Int32
}

func (r *recordingHandlerSet) Attach(gw *Gateway, c *Client) (Dispatch, Cleanup) {
	r.attached.Add(1)
	dispatch := func(ctx context.Context, env Envelope) bool {
		r.envelopes.Add(1)
		return true
	}
	cleanup := func() error {
		r.cleanups.Add(1)
		return nil
	}
	return dispatch, cleanup
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	rec := &recordingHandlerSet{}
	gw, mr := newTestGateway(t, WithHandlerSet(rec))
	ts := newGatewayServer(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("expected handshake to be rejected without token")
	}

	if len(mr.Keys()) != 0 {
		t.Errorf("expected no presence keys, got %v", mr.Keys())
	}
	if rec.attached.Load() != 0 {
		t.Error("handler set must not attach to an unauthenticated connection")
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	gw, mr := newTestGateway(t)
	ts := newGatewayServer(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=bogus"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("expected handshake to be rejected for invalid token")
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("expected no presence keys, got %v", mr.Keys())
	}
}

func TestHandshakeAcceptsAuthorizationHeader(t *testing.T) {
	gw, mr := newTestGateway(t)
	ts := newGatewayServer(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer tok-u1"}},
	})
	if err != nil {
		t.Fatalf("dial with header: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return mr.Exists("socket:u1") }, "presence not written")
}

func TestConnectWritesPresence(t *testing.T) {
	gw, mr := newTestGateway(t)
	ts := newGatewayServer(t, gw)
	ctx := context.Background()

	online, err := gw.IsOnline(ctx, "u1")
	if err != nil || online {
		t.Fatalf("expected u1 offline before connect, got online=%v err=%v", online, err)
	}

	dialGateway(t, ts, "u1")

	waitFor(t, func() bool {
		online, _ := gw.IsOnline(ctx, "u1")
		return online
	}, "expected u1 online after connect")

	connID, err := mr.Get("socket:u1")
	if err != nil {
		t.Fatalf("socket key missing: %v", err)
	}
	waitFor(t, func() bool {
		for _, id := range gw.hub.ConnMgr().LiveIDs() {
			if id == connID {
				return true
			}
		}
		return false
	}, "stored connection ID is not live")
}

func TestDisconnectCleansUpAndBroadcastsOffline(t *testing.T) {
	gw, mr := newTestGateway(t)
	ts := newGatewayServer(t, gw)

	conn1 := dialGateway(t, ts, "u1")
	dialGateway(t, ts, "u2")

	waitFor(t, func() bool { return mr.Exists("socket:u1") && mr.Exists("socket:u2") },
		"presence not written for both users")

	conn1.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return !mr.Exists("socket:u1") && !mr.Exists("online:u1") },
		"expected u1 presence records deleted after disconnect")

	online, err := gw.IsOnline(context.Background(), "u1")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if online {
		t.Error("expected u1 offline after disconnect")
	}
}

func TestOfflineBroadcastReachesOtherClients(t *testing.T) {
	gw, mr := newTestGateway(t)
	ts := newGatewayServer(t, gw)

	conn1 := dialGateway(t, ts, "u1")
	conn2 := dialGateway(t, ts, "u2")

	waitFor(t, func() bool { return mr.Exists("socket:u1") && mr.Exists("socket:u2") },
		"presence not written for both users")

	conn1.Close(websocket.StatusNormalClosure, "")

	env := readEnvelope(t, conn2)
	if env.Type != EventUserOffline {
		t.Fatalf("expected %s, got %s", EventUserOffline, env.Type)
	}
	var ev PresenceEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.UserID != "u1" {
		t.Errorf("expected user u1 in offline event, got %q", ev.UserID)
	}
	if ev.Timestamp == "" {
		t.Error("expected timestamp in offline event")
	}
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	gw, mr := newTestGateway(t)

	var cleanups atomic.Int32
	c := &Client{id: "conn-1", userID: "u1"}
	c.cleanups = append(c.cleanups, func() error {
		cleanups.Add(1)
		return nil
	})

	if err := gw.tracker.SetOnline(context.Background(), "u1", "conn-1"); err != nil {
		t.Fatalf("set online: %v", err)
	}

	// Disconnect and a late error event both reach cleanup; the sequence
	// must run once.
	gw.cleanupClient(c)
	gw.cleanupClient(c)

	if got := cleanups.Load(); got != 1 {
		t.Fatalf("expected handler cleanup to run once, ran %d times", got)
	}
	if mr.Exists("socket:u1") || mr.Exists("online:u1") {
		t.Error("expected presence records deleted")
	}
}

func TestCleanupIsolatesHandlerFailures(t *testing.T) {
	gw, _ := newTestGateway(t)

	var ran []string
	c := &Client{id: "conn-1", userID: "u1"}
	c.cleanups = append(c.cleanups,
		func() error {
			ran = append(ran, "panics")
			panic("listener teardown exploded")
		},
		func() error {
			ran = append(ran, "errors")
			return presence.ErrUnavailable
		},
		func() error {
			ran = append(ran, "ok")
			return nil
		},
	)

	gw.cleanupClient(c)

	if len(ran) != 3 {
		t.Fatalf("expected all 3 cleanups attempted, got %v", ran)
	}
}

func TestRefresherKeepsPresenceAlive(t *testing.T) {
	gw, mr := newTestGateway(t, withRefreshInterval(20*time.Millisecond))
	ts := newGatewayServer(t, gw)

	dialGateway(t, ts, "u1")
	waitFor(t, func() bool { return mr.Exists("socket:u1") }, "presence not written")

	// Expire the records as if a full TTL had passed; the running
	// refresher must bring them back on its next tick.
	mr.FastForward(presence.TTL + time.Second)

	waitFor(t, func() bool { return mr.Exists("socket:u1") && mr.Exists("online:u1") },
		"expected refresher to re-write presence records")
}

func TestDispatchReachesHandlerSets(t *testing.T) {
	rec := &recordingHandlerSet{}
	gw, mr := newTestGateway(t, WithHandlerSet(rec))
	ts := newGatewayServer(t, gw)

	conn := dialGateway(t, ts, "u1")
	waitFor(t, func() bool { return mr.Exists("socket:u1") }, "presence not written")

	if rec.attached.Load() != 1 {
		t.Fatalf("expected 1 attach, got %d", rec.attached.Load())
	}

	sendEnvelope(t, conn, "anything", map[string]string{"k": "v"})

	waitFor(t, func() bool { return rec.envelopes.Load() == 1 },
		"expected handler set to receive the envelope")
}

func TestConnRateLimit(t *testing.T) {
	gw, _ := newTestGateway(t, WithConnLimiter(ratelimit.NewLimiter(1, time.Minute)))
	ts := newGatewayServer(t, gw)

	dialGateway(t, ts, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=tok-u2"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("expected second attempt from same IP to be rejected")
	}
}

func TestLastConnectionWins(t *testing.T) {
	gw, mr := newTestGateway(t)
	ts := newGatewayServer(t, gw)

	dialGateway(t, ts, "u1")
	waitFor(t, func() bool { return mr.Exists("socket:u1") }, "first presence write missing")
	first, _ := mr.Get("socket:u1")

	dialGateway(t, ts, "u1")
	waitFor(t, func() bool {
		cur, _ := mr.Get("socket:u1")
		return cur != "" && cur != first
	}, "expected second connection to overwrite the socket record")
}

func TestBearerToken(t *testing.T) {
	mk := func(header, query string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws"+query, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	if got := bearerToken(mk("Bearer abc", "")); got != "abc" {
		t.Errorf("header token: got %q", got)
	}
	if got := bearerToken(mk("", "?token=xyz")); got != "xyz" {
		t.Errorf("query token: got %q", got)
	}
	// A malformed header does not fall through to the query parameter.
	if got := bearerToken(mk("Basic abc", "?token=xyz")); got != "" {
		t.Errorf("malformed header: got %q", got)
	}
	if got := bearerToken(mk("", "")); got != "" {
		t.Errorf("no credential: got %q", got)
	}
}
