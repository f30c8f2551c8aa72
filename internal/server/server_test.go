package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lumenmatch/realtime/internal/auth"
	"github.com/lumenmatch/realtime/internal/presence"
	"github.com/lumenmatch/realtime/internal/ws"
)

func newTestServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := ws.New(presence.NewRedisStore(client), auth.NewJWTVerifier("test-secret"))
	return New(":0", gw), mr
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestOnlineEndpointEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body struct {
		Users []string `json:"users"`
		Count int      `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Count != 0 || len(body.Users) != 0 {
		t.Errorf("expected empty snapshot, got %+v", body)
	}
}

func TestOnlineEndpointWithUsers(t *testing.T) {
	srv, mr := newTestServer(t)

	mr.Set("online:u1", "2026-08-28T00:00:00Z")
	mr.Set("online:u2", "2026-08-28T00:00:00Z")

	req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body struct {
		Users []string `json:"users"`
		Count int      `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	sort.Strings(body.Users)
	if body.Count != 2 || len(body.Users) != 2 {
		t.Fatalf("expected 2 users, got %+v", body)
	}
	if body.Users[0] != "u1" || body.Users[1] != "u2" {
		t.Errorf("expected [u1 u2], got %v", body.Users)
	}
}

func TestOnlineEndpointStoreDown(t *testing.T) {
	srv, mr := newTestServer(t)
	mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}
