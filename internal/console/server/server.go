package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler  *handler.AuthHandler  // /auth/token
	keyHandler   *handler.KeyHandler   // /v1/keys
	actorHandler *handler.ActorHandler // /v1/actors
	agentHandler *handler.AgentHandler // /v1/agents
	auditHandler *handler.AuditHandler // /v1/audit + dashboard
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	keyH *handler.KeyHandler,
	actorH *handler.ActorHandler,
	agentH *handler.AgentHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		cfg:           cfg,
		authValidator: validator,
		authHandler:   authH,
		keyHandler:    keyH,
		actorHandler:  actorH,
		agentHandler:  agentH,
		auditHandler:  auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		// Подключаем универсальный Middleware только для этой группы
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Dashboard & Stats
		r.Get("/api/v1/dashboard/stats", s.auditHandler.GetStats)

		// Жизненный цикл API-ключей
		r.Route("/v1/keys", func(r chi.Router) {
			r.Post("/", s.keyHandler.Issue)
			r.Route("/{keyID}", func(r chi.Router) {
				r.Post("/rotate", s.keyHandler.Rotate)
				r.Delete("/", s.keyHandler.Revoke)
			})
		})

		// Блокировки акторов (threat response)
		r.Route("/v1/actors", func(r chi.Router) {
			r.Get("/blocked", s.actorHandler.List)
			r.Route("/{actorID}", func(r chi.Router) {
				r.Post("/block", s.actorHandler.Block)
				// Снятие автоблокировки — только ADMIN
				r.With(auth.RequirePermission(domain.PermAdmin)).
					Post("/unblock", s.actorHandler.Clear)
			})
		})

		// Управление каталогом агентов
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List)
			r.Route("/{name}", func(r chi.Router) {
				r.Post("/reload", s.agentHandler.Reload)
				r.With(auth.RequirePermission(domain.PermAdmin)).
					Delete("/", s.agentHandler.Deregister)
			})
		})

		// Аудит и Логи (Observability)
		r.Get("/v1/audit", s.auditHandler.GetLogs)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
