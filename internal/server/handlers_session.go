package server

import (
	"net/http"

	"github.com/aristath/finagent/internal/errs"
)

func (s *Server) handleContextDelta(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string                 `json:"session_id"`
		ToolName  string                 `json:"tool_name"`
		Input     map[string]interface{} `json:"input"`
		Output    map[string]interface{} `json:"output"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Sessions.RecordToolDelta(r.Context(), req.SessionID, req.ToolName, req.Input, req.Output)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string                 `json:"session_id"`
		State     map[string]interface{} `json:"state"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Sessions.SaveSnapshot(r.Context(), req.SessionID, req.State)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionRehydrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.writeError(w, r, errs.Invalid("session_id is required"))
		return
	}
	result, err := s.deps.Sessions.Rehydrate(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionDiff(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.writeError(w, r, errs.Invalid("session_id is required"))
		return
	}
	result, err := s.deps.Sessions.Diff(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
