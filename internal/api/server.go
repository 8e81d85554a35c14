// Package api provides the HTTP and WebSocket surface of the daemon.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tetherhq/tether/internal/broker"
	"github.com/tetherhq/tether/internal/schema"
	"github.com/tetherhq/tether/internal/session"
	"github.com/tetherhq/tether/internal/watcher"
)

// Server is the HTTP API server.
type Server struct {
	broker    *broker.Broker
	watcher   *watcher.Watcher
	validator *Validator
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
}

// NewServer creates the API server. watcher may be nil; the fs watch frames
// are then rejected.
func NewServer(b *broker.Broker, w *watcher.Watcher, authSecret string, logger *slog.Logger) *Server {
	srv := &Server{
		broker:    b,
		watcher:   w,
		validator: NewValidator(authSecret),
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/healthz", srv.handleHealthz)

	// WebSocket auth is handled by the initial auth frame.
	mux.Get("/ws", srv.handleWS)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Post("/chat", srv.handleCreateChat)
		r.Get("/chat", srv.handleListChats)
		r.Post("/chat/{id}/message", srv.handleSendMessage)
		r.Post("/chat/{id}/close", srv.handleCloseChat)
		r.Delete("/chat/{id}", srv.handleDeleteChat)
		r.Get("/chat/{id}/messages", srv.handleGetMessages)
		r.Get("/stats", srv.handleStats)
	})

	srv.mux = mux
	return srv
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.mux }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := s.validator.Validate(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool        string `json:"tool"`
		ProjectPath string `json:"projectPath"`
		Model       string `json:"model"`
		Mode        string `json:"mode"`
		Interactive bool   `json:"interactive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	if req.Mode == "" {
		req.Mode = schema.ModeAgent
	}

	id, cursor, err := s.broker.CreateSession(r.Context(), req.Tool, req.ProjectPath, req.Model, req.Mode, req.Interactive)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"conversationId": id,
		"cursor":         cursor,
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	convs, err := s.broker.ListConversations(r.Context())
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	if convs == nil {
		convs = []schema.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.broker.Send(r.Context(), id, req.Text); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.CloseSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}

	msgs, err := s.broker.GetMessages(r.Context(), id, since)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	if msgs == nil {
		msgs = []schema.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeBrokerError maps broker error kinds onto HTTP statuses without
// leaking internals.
func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, broker.ErrInvalidState), errors.Is(err, session.ErrNotRunning):
		writeError(w, http.StatusConflict, "operation not permitted in current state")
	case errors.Is(err, broker.ErrAdapterUnavailable):
		writeError(w, http.StatusBadRequest, "requested tool is not available")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
