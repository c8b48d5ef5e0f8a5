package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/ReminderPipe/internal/assistant"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// TurnRequest is the body of POST /sessions/{id}/turns.
type TurnRequest struct {
	UserText string `json:"user_text"`
}

// ChatRequest is the body of POST /chat. An empty SessionID starts a session.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserText  string `json:"user_text"`
}

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: invalid request body", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// writeTurn reports a turn; a turn that ends the conversation gets status "ended".
func writeTurn(w http.ResponseWriter, resp *assistant.TurnResponse) {
	if resp.Done {
		writeJSONResponse(w, http.StatusOK, models.Ended(resp.Reply, resp))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("startSessionHandler invoked", "method", r.Method, "path", r.URL.Path)
	sess, err := s.svc.StartSession(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session started", sess))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	slog.Debug("getSessionHandler invoked", "method", r.Method, "path", r.URL.Path, "session_id", id)
	sess, err := s.svc.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	slog.Debug("turnHandler invoked", "method", r.Method, "path", r.URL.Path, "session_id", id)
	var req TurnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserText) == "" {
		writeError(w, r, models.ErrEmptyUserText)
		return
	}
	resp, err := s.svc.HandleTurn(r.Context(), id, req.UserText)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTurn(w, resp)
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("chatHandler invoked", "method", r.Method, "path", r.URL.Path)
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserText) == "" {
		writeError(w, r, models.ErrEmptyUserText)
		return
	}
	resp, err := s.svc.Chat(r.Context(), req.SessionID, req.UserText)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTurn(w, resp)
}

func (s *Server) finalizeHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	slog.Debug("finalizeHandler invoked", "method", r.Method, "path", r.URL.Path, "session_id", id)
	res, err := s.svc.Finalize(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Trigger compiled", res))
}

func (s *Server) getTriggerHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")
	slog.Debug("getTriggerHandler invoked", "method", r.Method, "path", r.URL.Path, "trigger_id", id)
	rec, err := s.svc.GetTrigger(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

func (s *Server) homeTriggersHandler(w http.ResponseWriter, r *http.Request) {
	home := s.home
	homeID := chi.URLParam(r, "homeID")
	if home.HomeID != "" && homeID != home.HomeID {
		writeError(w, r, fmt.Errorf("%w: %q", models.ErrHomeNotFound, homeID))
		return
	}
	home.HomeID = homeID
	if name := r.URL.Query().Get("home_name"); name != "" {
		home.HomeName = name
	}
	slog.Debug("homeTriggersHandler invoked", "method", r.Method, "path", r.URL.Path, "home_id", home.HomeID)
	list, err := s.svc.HomeTriggers(r.Context(), home)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}
