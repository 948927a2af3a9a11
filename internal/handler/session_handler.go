package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"seat-service/internal/model"
	"seat-service/internal/session"
)

// SessionHandler exposes the session lifecycle over HTTP.
type SessionHandler struct {
	manager *session.Manager
}

func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.Login)
		r.Post("/validate", h.Validate)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.Logout)
			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/connected", h.SetConnected)
			r.Get("/presence", h.GetPresence)
		})
	})
}

type loginRequest struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	Token      string `json:"token"`
	DeviceInfo string `json:"device_info"`
}

type sessionResponse struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	CheckoutID     string `json:"checkout_id"`
	OverflowKicked string `json:"overflow_kicked,omitempty"`
	Presence       string `json:"presence,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	ExpiresAt      string `json:"expires_at"`
}

func toSessionResponse(s *model.Session) sessionResponse {
	resp := sessionResponse{
		SessionID:      s.ID,
		UserID:         s.UserID,
		Role:           string(s.Role),
		CheckoutID:     s.CheckoutID,
		OverflowKicked: s.OverflowKicked,
		Presence:       string(s.PresenceStatus),
		ExpiresAt:      s.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if !s.CreatedAt.IsZero() {
		resp.CreatedAt = s.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "user_id and token are required")
		return
	}

	sess, err := h.manager.Login(r.Context(), session.LoginParams{
		UserID:     req.UserID,
		Role:       model.Role(req.Role),
		Token:      req.Token,
		IPAddress:  r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.manager.Logout(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.manager.GetSession(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type validateRequest struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := h.manager.Validate(r.Context(), req.SessionID, req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type heartbeatRequest struct {
	Presence string `json:"presence"`
}

func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.manager.Heartbeat(r.Context(), sessionID, model.PresenceStatus(req.Presence)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type connectedRequest struct {
	Connected bool `json:"connected"`
}

func (h *SessionHandler) SetConnected(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req connectedRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.manager.SetConnected(r.Context(), sessionID, req.Connected); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SessionHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	presence, err := h.manager.Presence(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"presence": string(presence)})
}
