// Package api exposes the autopilot engine over HTTP: run control,
// derived status, run history, attempt logs, SSE status events and a
// websocket log follower.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/buildlane/autopilot/internal/engine"
)

// Server is the HTTP API server
type Server struct {
	engine    *engine.Engine
	addr      string
	mux       *http.ServeMux
	sseHub    *SSEHub
	hubCancel context.CancelFunc
	httpd     *http.Server
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine, addr string) *Server {
	s := &Server{
		engine: eng,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/projects/", s.projectsHandler())
	s.mux.HandleFunc("/api/runs/", s.runsHandler())
	s.mux.HandleFunc("/api/attempts/", s.attemptsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until the listener fails or Shutdown is called
func (s *Server) Start() error {
	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.sseHub.Run(hubCtx)
	s.httpd = &http.Server{Addr: s.addr, Handler: s.mux}
	return s.httpd.ListenAndServe()
}

// Shutdown stops the HTTP server and the SSE hub loop
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

// Broadcast forwards an engine event to all SSE clients
func (s *Server) Broadcast(ev engine.Event) {
	s.sseHub.Broadcast(SSEEvent{Type: ev.Type, Data: ev})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
