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

type KeyHandler struct {
	service *service.AdminService
}

func NewKeyHandler(s *service.AdminService) *KeyHandler {
	return &KeyHandler{service: s}
}

type issueKeyRequest struct {
	Agent string `json:"agent"` // Пустой — ключ без привязки к агенту
	Role  string `json:"role"`
}

// Issue выдает ключ. Секрет в ответе показывается единственный раз.
func (h *KeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	operatorID, _ := auth.UserFromContext(r.Context())
	cred, err := h.service.IssueKey(r.Context(), operatorID, req.Agent, domain.Role(req.Role))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(cred)
}

func (h *KeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	operatorID, _ := auth.UserFromContext(r.Context())

	cred, err := h.service.RotateKey(r.Context(), operatorID, keyID)
	if err != nil {
		writeKeyError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cred)
}

func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	operatorID, _ := auth.UserFromContext(r.Context())

	if err := h.service.RevokeKey(r.Context(), operatorID, keyID); err != nil {
		writeKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeKeyError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
