package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/api"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/auth"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/httpserver"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/scheduler"
)

// PendingUnlocks is the operator view of the scheduler.
type PendingUnlocks interface {
	Pending() []scheduler.Task
	Cancel(ctx context.Context, id string) (bool, error)
}

type AdminHandler struct {
	unlocks PendingUnlocks
	log     *zap.Logger
}

func NewAdminHandler(unlocks PendingUnlocks, log *zap.Logger) *AdminHandler {
	return &AdminHandler{unlocks: unlocks, log: log}
}

type pendingResponse struct {
	Unlocks []scheduler.Task `json:"unlocks"`
}

func (h *AdminHandler) List(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, pendingResponse{Unlocks: h.unlocks.Pending()})
}

func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		api.BadRequest(w, "MISSING_ID", "task id is required", rid, nil)
		return
	}

	ok, err := h.unlocks.Cancel(r.Context(), id)
	if err != nil {
		h.log.Error("cancel unlock", zap.String("task_id", id), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	if !ok {
		api.NotFound(w, "UNLOCK_NOT_FOUND", "no pending unlock with that id", rid)
		return
	}
	operator, _ := auth.SubjectFromContext(r.Context())
	h.log.Info("unlock cancelled by operator", zap.String("task_id", id), zap.String("operator", operator))
	w.WriteHeader(http.StatusNoContent)
}

// Mount registers the admin routes behind an admin-role bearer token.
func (h *AdminHandler) Mount(r chi.Router, verifier auth.Verifier) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireRole(verifier, auth.RoleAdmin))
		r.Get("/unlocks", h.List)
		r.Delete("/unlocks/{id}", h.Cancel)
	})
}
