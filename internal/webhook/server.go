// Package webhook exposes sessions over HTTP: a one-shot webhook that runs
// a prompt to completion, plus a small JSON API for driving and inspecting
// sessions.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/runguard/internal/codec"
	"github.com/user/runguard/internal/controller"
	"github.com/user/runguard/internal/gateway"
	"github.com/user/runguard/internal/types"
)

// Sessions is the subset of *gateway.Gateway the server drives.
type Sessions interface {
	Open(ctx context.Context, spec gateway.SessionSpec) (*gateway.Session, error)
	Get(id types.SessionID) (*gateway.Session, error)
	Send(ctx context.Context, id types.SessionID, text string) (types.Event, error)
	Close(ctx context.Context, id types.SessionID) error
	History(ctx context.Context, id types.SessionID) ([]types.Event, error)
	List(ctx context.Context) ([]*types.SessionIndex, error)
}

// Server is a lightweight HTTP handler for webhook and session endpoints.
type Server struct {
	sessions   Sessions
	runTimeout time.Duration
	codec      codec.JSON
	logger     *slog.Logger
	mux        *http.ServeMux
}

// NewServer creates a Server. runTimeout bounds how long POST /webhook waits
// for the agent to settle.
func NewServer(sessions Sessions, runTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions:   sessions,
		runTimeout: runTimeout,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhook", s.handleAdHoc)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleOpenSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /api/sessions/{id}/state", s.handleSetState)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// adHocRequest is the JSON body for POST /webhook.
type adHocRequest struct {
	Prompt string `json:"prompt"`
}

type runResponse struct {
	SessionID     types.SessionID  `json:"session_id"`
	State         types.AgentState `json:"state"`
	Reason        string           `json:"reason,omitempty"`
	Iteration     int              `json:"iteration"`
	MaxIterations int              `json:"max_iterations"`
	Response      string           `json:"response"`
}

// handleAdHoc runs the prompt in a fresh session and closes it once the
// agent settles.
func (s *Server) handleAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	ctx := r.Context()
	sess, err := s.sessions.Open(ctx, gateway.SessionSpec{})
	if err != nil {
		s.logger.Error("webhook open session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer func() {
		if err := s.sessions.Close(context.WithoutCancel(ctx), sess.ID); err != nil {
			s.logger.Warn("webhook close session failed", "session_id", string(sess.ID), "error", err)
		}
	}()

	if _, err := s.sessions.Send(ctx, sess.ID, req.Prompt); err != nil {
		s.logger.Error("webhook send failed", "session_id", string(sess.ID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !sess.Controller.WaitIdle(s.runTimeout) {
		writeError(w, http.StatusGatewayTimeout, "run did not settle in time")
		return
	}

	history, err := sess.Log.ReadAll(ctx)
	if err != nil {
		s.logger.Error("webhook read history failed", "session_id", string(sess.ID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	snap := sess.Controller.State()
	writeJSON(w, http.StatusOK, runResponse{
		SessionID:     sess.ID,
		State:         snap.AgentState,
		Reason:        snap.Reason,
		Iteration:     snap.Iteration,
		MaxIterations: snap.MaxIterations,
		Response:      lastAgentText(history),
	})
}

// lastAgentText returns the newest message or finish output from the agent.
func lastAgentText(history []types.Event) string {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.Source != types.SourceAgent {
			continue
		}
		switch p := ev.Payload.(type) {
		case types.MessageAction:
			return p.Content
		case types.FinishAction:
			return p.Outputs
		}
	}
	return ""
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []*types.SessionIndex{}
	}
	writeJSON(w, http.StatusOK, list)
}

type openRequest struct {
	SessionID types.SessionID `json:"session_id,omitempty"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	sess, err := s.sessions.Open(r.Context(), gateway.SessionSpec{ID: req.SessionID})
	switch {
	case errors.Is(err, types.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, gateway.ErrAlreadyOpen):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("open session failed", "session_id", string(req.SessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, sess.Controller.State())
}

// pathSessionID reads and validates the {id} path segment, answering 400
// itself when it is malformed.
func pathSessionID(w http.ResponseWriter, r *http.Request) (types.SessionID, bool) {
	id := types.SessionID(r.PathValue("id"))
	if err := id.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.sessions.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		data, err := s.codec.Encode(ev)
		if err != nil {
			s.logger.Error("encode event failed", "session_id", string(id), "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		out = append(out, data)
	}
	writeJSON(w, http.StatusOK, out)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	ev, err := s.sessions.Send(r.Context(), id, req.Text)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("send message failed", "session_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]types.ID{"id": ev.ID})
}

type stateRequest struct {
	State types.AgentState `json:"state"`
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := sess.Controller.SetAgentStateTo(r.Context(), req.State); err != nil {
		if errors.Is(err, controller.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Controller.State())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Close(r.Context(), id); err != nil {
		if errors.Is(err, gateway.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
