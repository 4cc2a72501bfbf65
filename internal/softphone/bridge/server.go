// Package bridge exposes the softphone to its UI over HTTP: command
// endpoints that feed the router and a server-sent event stream that
// carries the notifications back.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	typesv1 "github.com/hardline/softphone/api/types/v1"
	"github.com/hardline/softphone/internal/softphone/router"
	"github.com/hardline/softphone/internal/softphone/session"
)

// Config holds the HTTP server configuration.
type Config struct {
	BindAddr string
	Port     int
}

// Server is the UI-facing HTTP surface.
type Server struct {
	cfg       Config
	router    *router.Router
	hub       *Hub
	registry  *prometheus.Registry
	startedAt time.Time

	httpServer *http.Server
}

// NewServer creates the HTTP server. The hub must be attached to the
// emitter by the caller; the server only reads from it.
func NewServer(cfg Config, rt *router.Router, hub *Hub, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		router:    rt,
		hub:       hub,
		registry:  registry,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/call", s.handleCall)
	mux.HandleFunc("POST /api/v1/hangup", s.handleHangup)
	mux.HandleFunc("POST /api/v1/answer", s.handleAnswer)
	mux.HandleFunc("POST /api/v1/mute", s.handleMute)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/state", s.handleState)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	slog.Info("[Bridge] HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req typesv1.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	creds := session.Credentials{
		Username: req.Username,
		Password: req.Password,
		Host:     req.Host,
		Realm:    req.Realm,
		Port:     req.Port,
	}
	if err := creds.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The registration this starts outlives the HTTP exchange; the
	// request context is cancelled the moment this handler returns.
	ctx := context.WithoutCancel(r.Context())

	// An engine start failure is the one command error that surfaces
	// here instead of on the event stream.
	if err := s.router.Register(ctx, creds); err != nil {
		slog.Error("[Bridge] Register failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAccepted(w)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req typesv1.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// The INVITE this starts outlives the HTTP exchange.
	s.router.Call(context.WithoutCancel(r.Context()), req.Number)
	writeAccepted(w)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.router.Hangup(r.Context())
	writeAccepted(w)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s.router.Answer(r.Context())
	writeAccepted(w)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req typesv1.MuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.router.SetMute(r.Context(), req.Mute)
	writeAccepted(w)
}

// handleEvents streams notifications as server-sent events, one
// notification per event, in emission order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, typesv1.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[Bridge] Failed to encode response", "error", err)
	}
}

func writeAccepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
