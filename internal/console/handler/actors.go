package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
)

type ActorHandler struct {
	service *service.AdminService
}

func NewActorHandler(s *service.AdminService) *ActorHandler {
	return &ActorHandler{service: s}
}

// List — текущий список заблокированных акторов.
func (h *ActorHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"blocked": h.service.BlockedActors(),
	})
}

func (h *ActorHandler) Block(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	if actorID == "" {
		http.Error(w, "actorID is required", http.StatusBadRequest)
		return
	}
	operatorID, _ := auth.UserFromContext(r.Context())
	if err := h.service.BlockActor(r.Context(), operatorID, actorID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear снимает блокировку. Роут защищен RequirePermission(admin):
// автоблокировка снимается только ADMIN-действием.
func (h *ActorHandler) Clear(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	if actorID == "" {
		http.Error(w, "actorID is required", http.StatusBadRequest)
		return
	}
	operatorID, _ := auth.UserFromContext(r.Context())
	if err := h.service.ClearBlock(r.Context(), operatorID, actorID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
