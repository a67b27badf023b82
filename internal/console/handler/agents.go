package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
)

type AgentHandler struct {
	service *service.AdminService
}

func NewAgentHandler(s *service.AdminService) *AgentHandler {
	return &AgentHandler{service: s}
}

// List — каталог агентов по манифестам.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents()
	if err != nil {
		http.Error(w, "failed to list agents", http.StatusInternalServerError)
		return
	}

	// Сериализуем с развернутыми списками возможностей
	type agentView struct {
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
		Dependencies []string `json:"dependencies"`
		Priority     string   `json:"priority"`
		Version      string   `json:"version"`
		Endpoint     string   `json:"endpoint,omitempty"`
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{
			Name:         a.Name,
			Capabilities: domain.SetToList(a.Capabilities),
			Dependencies: domain.SetToList(a.Dependencies),
			Priority:     a.Priority.String(),
			Version:      a.Version,
			Endpoint:     a.Endpoint,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (h *AgentHandler) Reload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	operatorID, _ := auth.UserFromContext(r.Context())

	if err := h.service.ReloadAgent(r.Context(), operatorID, name); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "agent manifest not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *AgentHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	operatorID, _ := auth.UserFromContext(r.Context())

	if err := h.service.DeregisterAgent(r.Context(), operatorID, name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
