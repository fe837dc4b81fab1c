package server

import (
	"errors"
	"net/http"

	"github.com/kingrea/stepforge/internal/dataset"
	"github.com/kingrea/stepforge/internal/session"
)

type startRequest struct {
	SessionID   string   `json:"sessionId"`
	Prompt      string   `json:"prompt"`
	DatasetRefs []string `json:"datasetRefs"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active := s.sessions.Active()
	if active == nil {
		active = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"active": active})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ticket, err := s.sessions.Start(session.StartRequest{
		ID:          req.SessionID,
		Prompt:      req.Prompt,
		DatasetRefs: req.DatasetRefs,
	})
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: ticket.ID})
}

// handleStreamSession starts a session and streams its events on the same
// response. A client that goes away abandons the session when configured to.
func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ticket, err := s.sessions.Start(session.StartRequest{
		ID:          req.SessionID,
		Prompt:      req.Prompt,
		DatasetRefs: req.DatasetRefs,
		Attach:      true,
	})
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	w.Header().Set("X-Session-Id", ticket.ID)
	if s.stream(w, r, *ticket.Subscription) == streamClientGone && s.settings.AbandonOnDisconnect {
		if err := s.sessions.Abandon(ticket.ID); err == nil {
			s.logger.Printf("server: client left, abandoned session %s", ticket.ID)
		}
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSessionEvents attaches to a running session. Events emitted before
// the request are not replayed.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.sessions.Subscribe(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.Header().Set("X-Session-Id", id)
	s.stream(w, r, sub)
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Abandon(id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": "abandoning"})
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "prompt is required")
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dataset.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoDatasets):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Printf("server: start session: %v", err)
		writeError(w, http.StatusInternalServerError, "unable to start session")
	}
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Printf("server: session request: %v", err)
	writeError(w, http.StatusInternalServerError, "session request failed")
}
