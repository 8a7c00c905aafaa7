package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/chatsg/chatsg"
)

// server is the thin HTTP transport over the runtime. Streaming responses
// go out as SSE; everything else is JSON.
type server struct {
	rt     *chatsg.Runtime
	store  chatsg.SessionStore
	logger *slog.Logger
}

func newServer(rt *chatsg.Runtime, store chatsg.SessionStore, logger *slog.Logger) *server {
	return &server{rt: rt, store: store, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /api/sessions/{id}/read", s.handleMarkRead)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	return mux
}

type chatRequest struct {
	SessionID       string         `json:"sessionId"`
	Message         string         `json:"message"`
	ActiveSessionID string         `json:"activeSessionId,omitempty"`
	ForceAgent      string         `json:"forceAgent,omitempty"`
	CommandName     string         `json:"commandName,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (cr chatRequest) toRequest() chatsg.Request {
	req := chatsg.Request{
		SessionID:             cr.SessionID,
		UserInput:             cr.Message,
		CallerActiveSessionID: cr.ActiveSessionID,
		Metadata:              cr.Metadata,
	}
	if cr.ForceAgent != "" {
		req.Routing = &chatsg.RoutingMetadata{
			ForceAgent:  true,
			AgentType:   cr.ForceAgent,
			CommandName: cr.CommandName,
			Confidence:  1.0,
		}
	}
	return req
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var cr chatRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cr.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	msg, err := s.rt.Handle(r.Context(), cr.toRequest())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var cr chatRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cr.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writer := &sseWriter{w: w, flusher: flusher}
	if err := s.rt.HandleStream(r.Context(), cr.toRequest(), writer); err != nil {
		// The terminal error event already went out on the stream where
		// possible; this is for the logs.
		s.logger.Warn("http: stream request failed", "session", cr.SessionID, "err", err)
	}
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := s.store.ReadMessages(r.Context(), r.PathValue("id"), offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.MarkRead(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("http: response encode failed", "err", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatsg.ErrSessionNotFound), errors.Is(err, chatsg.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chatsg.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, chatsg.ErrCancelled):
		status = 499 // client closed request
	}
	http.Error(w, err.Error(), status)
}

// sseWriter adapts http.ResponseWriter to chatsg.StreamWriter. Each event
// goes out as one SSE frame named by the event type. The stream serializes
// writes upstream, the mutex only guards against Close racing a late
// Write.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (s *sseWriter) Write(ev chatsg.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sse: write after close")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
