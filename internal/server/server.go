// Package server provides the HTTP and WebSocket control surface of the recorder.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

const statusInterval = 3 * time.Second

// StatusMessage is the periodic status push.
type StatusMessage struct {
	Type     string               `json:"type"`
	Recorder types.RecorderStatus `json:"recorder"`
	Config   config.Recorder      `json:"config"`
	Platform string               `json:"platform"`
	Version  types.VersionInfo    `json:"version"`
}

// LevelsMessage is the audio level push.
type LevelsMessage struct {
	Type   string            `json:"type"`
	Levels types.AudioLevels `json:"levels"`
}

// Server serves the WebSocket control channel and a small JSON API.
type Server struct {
	cfg      *config.Config
	ctrl     Controller
	hub      *Hub
	sessions *SessionManager
	commands *CommandHandler
	version  func() types.VersionInfo
}

// New returns a Server for ctrl. Events reach clients through hub, which the
// caller wires into the recorder callbacks with Hub.Wrap.
func New(cfg *config.Config, ctrl Controller, hub *Hub, commands *CommandHandler, version func() types.VersionInfo) *Server {
	return &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		hub:      hub,
		sessions: NewSessionManager(),
		commands: commands,
		version:  version,
	}
}

// Handler returns an http.Handler with all routes.
func (s *Server) Handler() http.Handler {
	snap := s.cfg.Snapshot()
	auth := s.sessions.AuthMiddleware(snap.WebUser, snap.WebPassword)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /login", s.handleLoginToken)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /api/status", auth(s.handleStatus))
	mux.HandleFunc("/ws", auth(s.handleWebSocket))
	return mux
}

// Start listens on the configured port until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Snapshot().WebPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting web server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return util.WrapError("serve HTTP", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return util.WrapError("shut down HTTP server", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return util.WrapError("serve HTTP", err)
	}
	return nil
}

func (s *Server) status() StatusMessage {
	return StatusMessage{
		Type:     "status",
		Recorder: s.ctrl.Status(),
		Config:   s.ctrl.Config(),
		Platform: runtime.GOOS,
		Version:  s.version(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleLoginToken(w http.ResponseWriter, _ *http.Request) {
	token := s.sessions.CreateCSRFToken()
	if token == "" {
		http.Error(w, "failed to create token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.ValidateCSRFToken(r.FormValue("csrf_token")) {
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}
	snap := s.cfg.Snapshot()
	if !s.sessions.Login(w, r, r.FormValue("username"), r.FormValue("password"), snap.WebUser, snap.WebPassword) {
		slog.Warn("failed login attempt", "remote", r.RemoteAddr)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket streams status, levels and recorder events to the client
// and runs its commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.hub.add(c)
	defer s.hub.remove(c)
	defer c.close()

	statusUpdate := make(chan struct{}, 1)
	go func() {
		defer c.close()
		for {
			var cmd WSCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			c.Send(s.commands.Handle(cmd, func(msg any) { c.Send(msg) }))
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		}
	}()

	levelsTicker := time.NewTicker(types.LevelsInterval)
	statusTicker := time.NewTicker(statusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	if !c.Send(s.status()) {
		return
	}
	for {
		var ok bool
		select {
		case <-c.done:
			return
		case <-statusUpdate:
			ok = c.Send(s.status())
		case <-statusTicker.C:
			ok = c.Send(s.status())
		case <-levelsTicker.C:
			ok = c.Send(LevelsMessage{Type: "levels", Levels: s.ctrl.Levels()})
		}
		if !ok {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
