package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"seat-service/internal/audit"
	"seat-service/internal/model"
	"seat-service/internal/reconcile"
	"seat-service/internal/seat"
	"seat-service/internal/session"
)

type contextKey string

const adminIDKey contextKey = "admin_id"

// AdminHandler exposes operator controls: forced termination, per-user
// limits, pool sizing and snapshot inspection. Every route requires a live
// admin session.
type AdminHandler struct {
	manager    *session.Manager
	ledger     seat.Ledger
	reconciler *reconcile.Reconciler
	recorder   audit.Recorder
}

func NewAdminHandler(manager *session.Manager, ledger seat.Ledger, reconciler *reconcile.Reconciler, recorder audit.Recorder) *AdminHandler {
	return &AdminHandler{
		manager:    manager,
		ledger:     ledger,
		reconciler: reconciler,
		recorder:   recorder,
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Post("/sessions/{sessionID}/terminate", h.TerminateSession)
		r.Post("/users/{userID}/terminate_all", h.TerminateAllForUser)

		r.Get("/users/{userID}/limit", h.GetLimit)
		r.Put("/users/{userID}/limit", h.SetLimit)
		r.Delete("/users/{userID}/limit", h.ClearLimit)

		r.Get("/pool", h.GetPool)
		r.Put("/pool", h.ResizePool)
		r.Get("/pool/snapshots", h.ListSnapshots)
		r.Post("/pool/reconcile", h.Reconcile)
	})
}

// requireAdmin validates the caller's session from the X-Session-ID and
// X-Session-Token headers and rejects non-admin roles.
func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get("X-Session-ID")
		token := r.Header.Get("X-Session-Token")
		if sessionID == "" || token == "" {
			writeError(w, http.StatusUnauthorized, "session credentials required")
			return
		}

		sess, err := h.manager.Validate(r.Context(), sessionID, token)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !sess.Role.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}

		ctx := context.WithValue(r.Context(), adminIDKey, sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminID(r *http.Request) string {
	id, _ := r.Context().Value(adminIDKey).(string)
	return id
}

type terminateRequest struct {
	Note string `json:"note"`
}

func (h *AdminHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req terminateRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	if err := h.manager.AdminTerminate(r.Context(), sessionID, adminID(r), req.Note); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

type terminateAllRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) TerminateAllForUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req terminateAllRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	count, err := h.manager.TerminateAllForUser(r.Context(), userID, adminID(r), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "terminated",
		"terminated": count,
	})
}

type limitRequest struct {
	MaxSessions int    `json:"max_sessions"`
	Reason      string `json:"reason"`
}

func (h *AdminHandler) SetLimit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req limitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	limit, err := h.manager.Limiter().SetOverride(userID, req.MaxSessions, req.Reason, adminID(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.recorder.Record(&audit.Entry{
		Action:  audit.ActionLimitChanged,
		UserID:  userID,
		ActorID: adminID(r),
		Reason:  req.Reason,
	})
	writeJSON(w, http.StatusOK, limit)
}

func (h *AdminHandler) GetLimit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit, err := h.manager.Limiter().GetOverride(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if limit == nil {
		effective, err := h.manager.Limiter().EffectiveLimit(userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id":      userID,
			"max_sessions": effective,
			"override":     false,
		})
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

func (h *AdminHandler) ClearLimit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.manager.Limiter().ClearOverride(userID); err != nil {
		writeDomainError(w, err)
		return
	}
	h.recorder.Record(&audit.Entry{
		Action:  audit.ActionLimitChanged,
		UserID:  userID,
		ActorID: adminID(r),
		Reason:  "override cleared",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *AdminHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	state, err := h.ledger.State(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type resizePoolRequest struct {
	TotalSeats    *int `json:"total_seats"`
	AdminReserved *int `json:"admin_reserved"`
}

func (h *AdminHandler) ResizePool(w http.ResponseWriter, r *http.Request) {
	var req resizePoolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TotalSeats == nil && req.AdminReserved == nil {
		writeError(w, http.StatusBadRequest, "total_seats or admin_reserved is required")
		return
	}
	if req.TotalSeats != nil && *req.TotalSeats <= 0 {
		writeError(w, http.StatusBadRequest, "total_seats must be positive")
		return
	}
	if req.AdminReserved != nil && *req.AdminReserved < 0 {
		writeError(w, http.StatusBadRequest, "admin_reserved must not be negative")
		return
	}

	if req.TotalSeats != nil {
		if err := h.ledger.SetTotalSeats(r.Context(), *req.TotalSeats); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.AdminReserved != nil {
		if err := h.ledger.SetAdminReserved(r.Context(), *req.AdminReserved); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	h.recorder.Record(&audit.Entry{
		Action:  audit.ActionPoolResized,
		ActorID: adminID(r),
	})

	state, err := h.ledger.State(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *AdminHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	snapshots, err := h.reconciler.RecentSnapshots(limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if snapshots == nil {
		snapshots = []*model.PoolSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reconciler.ReconcileOnce(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
