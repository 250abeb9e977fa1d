package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/seasbee/go-logx"

	"github.com/dlmonitor/dlcache/pkg/session"
)

type sessionView struct {
	ID           string         `json:"session_id"`
	UserID       int64          `json:"user_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	Attributes   map[string]any `json:"data,omitempty"`
	Current      bool           `json:"current"`
}

func viewOf(s *session.Session, currentID string) sessionView {
	return sessionView{
		ID:           s.ID,
		UserID:       s.UserID,
		CreatedAt:    s.CreatedAt,
		LastAccessed: s.LastAccessedAt,
		Attributes:   s.Attributes,
		Current:      s.ID == currentID,
	}
}

type createSessionRequest struct {
	Data map[string]any `json:"data"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
	ExpiresIn int64  `json:"expires_in"`
}

// createSession exchanges a bearer token for a session cookie.
func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok || caller.Via != "token" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "A bearer token is required to start a session")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	attrs := req.Data
	if attrs == nil {
		attrs = map[string]any{}
	}
	if caller.Username != "" {
		attrs["username"] = caller.Username
	}

	id, err := h.sessions.Create(r.Context(), caller.UserID, attrs, 0)
	if err != nil {
		logx.Error("Failed to create session",
			logx.Int("user_id", int(caller.UserID)),
			logx.ErrorField(err))
		writeError(w, r, http.StatusServiceUnavailable, "Session could not be created")
		return
	}

	h.cookie.set(w, id)
	writeJSON(w, r, http.StatusCreated, createSessionResponse{
		SessionID: id,
		UserID:    caller.UserID,
		ExpiresIn: int64(h.sessions.DefaultTTL() / time.Second),
	})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	currentID := ""
	if s, ok := SessionFromContext(r.Context()); ok {
		currentID = s.ID
	}

	sessions := h.sessions.ListForUser(r.Context(), caller.UserID)
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s, currentID))
	}
	writeJSON(w, r, http.StatusOK, out)
}

type revokeResponse struct {
	Success         bool   `json:"success"`
	SessionsRevoked int    `json:"sessions_revoked"`
	Timestamp       string `json:"timestamp"`
}

func (h *handler) revokeSessions(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	n := h.sessions.DeleteAllForUser(r.Context(), caller.UserID)
	h.cookie.clear(w)
	writeJSON(w, r, http.StatusOK, revokeResponse{Success: true, SessionsRevoked: n, Timestamp: timestamp()})
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "No active session")
		return
	}
	deleted := h.sessions.Delete(r.Context(), s.ID)
	h.cookie.clear(w)
	writeJSON(w, r, http.StatusOK, map[string]any{"success": deleted, "timestamp": timestamp()})
}

func (h *handler) currentSession(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "No active session")
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(s, s.ID))
}
