package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lumenmatch/realtime/internal/ws"
)

// Server is the HTTP front of the realtime gateway: the WebSocket
// endpoint plus health and admin visibility routes.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
	gw   *ws.Gateway
}

// New creates a Server for the gateway listening on addr.
func New(addr string, gw *ws.Gateway) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
		gw:   gw,
	}
	s.routes()
	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/online", s.handleOnline)
	s.mux.Handle("/ws", s.gw)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleOnline exposes the online-user snapshot for admin/ops.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	users, err := s.gw.ListOnlineUsers(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "presence store unavailable"})
		return
	}
	if users == nil {
		users = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"users": users,
		"count": len(users),
	})
}
