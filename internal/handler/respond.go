package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"seat-service/internal/license"
	"seat-service/internal/seat"
	"seat-service/internal/session"
	"seat-service/internal/util"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			util.Error("Failed to encode response", zap.Error(err))
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps service errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionLimitExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, seat.ErrSeatUnavailable):
		// Covers ErrNoEvictableSession, which wraps it.
		writeError(w, http.StatusConflict, "no seat available")
	case errors.Is(err, session.ErrEvictionInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, license.ErrCheckoutDenied):
		writeError(w, http.StatusForbidden, "license checkout denied")
	case errors.Is(err, license.ErrAuthorityUnreachable):
		writeError(w, http.StatusServiceUnavailable, "license authority unreachable")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid session token")
	case errors.Is(err, session.ErrSessionNotActive):
		writeError(w, http.StatusGone, "session is not active")
	default:
		util.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
