package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-orchestrator/internal/access"
	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Gateway — HTTP-фасад ядра. Аутентификация здесь ключевая (API-key),
// а не JWT: вызывающая сторона — агент или сервис, не человек.
type Gateway struct {
	orch   *Orchestrator
	acl    *access.Controller
	trail  *audit.Trail
	logger *zap.Logger
}

func NewGateway(orch *Orchestrator, acl *access.Controller, trail *audit.Trail, logger *zap.Logger) *Gateway {
	return &Gateway{orch: orch, acl: acl, trail: trail, logger: logger.Named("gateway")}
}

// Routes собирает роутер ядра. Трассировка — внешним слоем, чтобы
// Trace-ID был у каждого запроса, включая отвергнутые.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks", g.handleExecuteTask)
	mux.HandleFunc("/v1/agents/health", g.handleHealth)
	mux.HandleFunc("/v1/agents/graph", g.handleGraph)
	mux.HandleFunc("/v1/metrics", g.handleAgentMetrics)
	mux.HandleFunc("/v1/audit", g.handleAudit)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return TracingMiddleware(mux)
}

func (g *Gateway) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	var req domain.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed task request")
		return
	}
	defer r.Body.Close()

	result, err := g.orch.ExecuteTask(r.Context(), token, &req)
	if err != nil {
		g.logger.Warn("task rejected",
			zap.String("trace_id", extractTraceID(r.Context())),
			zap.String("task_type", req.TaskType),
			zap.Error(err))
		writeError(w, planStatusCode(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// planStatusCode маппит ошибки планирования в HTTP-статусы.
// tip: Детали внутренних ошибок наружу не отдаем
func planStatusCode(err error) int {
	var cycle *domain.DependencyCycleError
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case access.IsAccessError(err):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNoEligibleAgent):
		return http.StatusUnprocessableEntity
	case errors.As(err, &cycle):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET allowed", http.StatusMethodNotAllowed)
		return
	}
	if !g.authorizeRead(w, r) {
		return
	}
	statuses := g.orch.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}

func (g *Gateway) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET allowed", http.StatusMethodNotAllowed)
		return
	}
	if !g.authorizeRead(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.orch.DependencyGraph())
}

func (g *Gateway) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET allowed", http.StatusMethodNotAllowed)
		return
	}
	if !g.authorizeRead(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.orch.AgentMetrics())
}

func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET allowed", http.StatusMethodNotAllowed)
		return
	}
	if !g.authorizeRead(w, r) {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}

	records, total := g.trail.Read(page, perPage)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records":  records,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// authorizeRead пропускает observability-ручки только с правом read.
func (g *Gateway) authorizeRead(w http.ResponseWriter, r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return false
	}
	if _, err := g.acl.Authorize(r.Context(), token, "", domain.PermRead); err != nil {
		writeError(w, planStatusCode(err), err.Error())
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Api-Key")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
