package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/access"
	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/server"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/postgres"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. RSA ключи: консоль и подписывает (private), и проверяет (public)
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to parse private key", zap.Error(err))
	}
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse public key", zap.Error(err))
	}
	validator := auth.NewBaseValidator(pubKey)

	// 3. Инфраструктура: Postgres обязателен (операторы, ключи, архив аудита)
	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required for the console")
	}
	db, err := postgres.NewDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	userRepo := postgres.NewUserRepo(db)
	auditRepo := postgres.NewAuditRepo(db)
	keyRepo := postgres.NewKeyRepo(db)

	// 4. Audit Trail консоли: административные действия идут в тот же архив
	trail := audit.NewTrail(cfg.Access.AuditCapacity, auditRepo, logger)
	trail.Start()
	defer trail.Stop()

	// 5. Сервисный слой (Dependency Injection)
	keys := access.NewKeyStore(cfg.Access.KeyDefaultTTL)
	keys.AttachPersistence(keyRepo, rdb, logger)

	blocklist := access.NewBlocklist(rdb, logger)
	if err := blocklist.Init(appCtx); err != nil {
		logger.Fatal("failed to init blocklist", zap.Error(err))
	}
	go blocklist.StartListener(appCtx)

	authService := service.NewAuthService(userRepo, privKey, validator)
	adminService := service.NewAdminService(keys, blocklist, trail, rdb, cfg.Registry.ManifestDir, logger)
	auditService := service.NewAuditService(auditRepo)

	// 6. Сборка сервера
	srvHandler := server.NewConsoleServer(
		cfg,
		logger,
		authService, // AuthService реализует TokenValidator через embedding
		handler.NewAuthHandler(authService),
		handler.NewKeyHandler(adminService),
		handler.NewActorHandler(adminService),
		handler.NewAgentHandler(adminService),
		handler.NewAuditHandler(auditService),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srvHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("console API stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}
