package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/access"
	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
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

	// Контекст для управления жизненным циклом фоновых горутин
	// При завершении main() или срабатывании SIGTERM, cancel() остановит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Redis (опционально), Postgres (опционально)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var auditStorage audit.StorageInterface
	var keyRepo access.KeyRepository
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		pingCancel()
		auditStorage = postgres.NewAuditRepo(db)
		keyRepo = postgres.NewKeyRepo(db)
	}

	// 3. Audit Trail: кольцевой буфер + асинхронная персистентность
	trail := audit.NewTrail(cfg.Access.AuditCapacity, auditStorage, logger)
	trail.Start()
	defer trail.Stop() // Drain: на выходе дописываем всё накопленное

	// 4. Control Plane: ключи, блокировки, контроллер доступа
	keys := access.NewKeyStore(cfg.Access.KeyDefaultTTL)
	if keyRepo != nil {
		keys.AttachPersistence(keyRepo, rdb, logger)
		if err := keys.LoadActive(appCtx); err != nil {
			logger.Fatal("failed to warm key cache", zap.Error(err))
		}
		go keys.StartListener(appCtx)
	}

	blocklist := access.NewBlocklist(rdb, logger)
	if err := blocklist.Init(appCtx); err != nil {
		logger.Fatal("failed to init blocklist", zap.Error(err))
	}
	go blocklist.StartListener(appCtx)

	acl := access.NewController(keys, blocklist, trail, cfg.Access, logger)

	// 5. Метрики
	promReg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(promReg)

	// Экспортируем метрики для Prometheus на отдельном порту
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	// 6. Registry + Discovery. Все внешние соединения проходят через общий
	// throughput-лимитер коннекторного слоя
	sharedLimiter := connectors.NewSharedLimiter(cfg.Engine.ConnectorRPS, cfg.Engine.ConnectorBurst)
	dial := func(endpoint string) (connectors.Invoker, error) {
		// Демо-режим: манифест с endpoint "mock://<имя>" получает локального
		// агента вместо живого gRPC-коллаборатора
		if name, ok := strings.CutPrefix(endpoint, "mock://"); ok {
			return &connectors.MockAgent{Name: name}, nil
		}
		agent, err := connectors.DialAgent(endpoint, cfg.Engine.CallTimeout)
		if err != nil {
			return nil, err
		}
		return connectors.NewGuardShared(agent, sharedLimiter, cfg.Engine.CallTimeout), nil
	}
	reg := registry.New(dial, cfg.Registry.ProbeTimeout, rdb, logger)

	// 7. Оркестратор: предохранители, граф, исполнение
	runtime := engine.NewRuntimeSet(cfg.Engine, metrics, logger)
	orch := engine.NewOrchestrator(reg, acl, runtime, trail, metrics, cfg.Engine, logger)

	// Discovery стартует ПОСЛЕ подключения reload-хука оркестратора
	if cfg.Registry.ManifestDir != "" {
		disc := registry.NewDiscovery(reg, cfg.Registry.ManifestDir, logger)
		if _, err := disc.Scan(); err != nil {
			logger.Fatal("manifest scan failed", zap.Error(err))
		}
		if cfg.Registry.WatchEnabled {
			go func() {
				if err := disc.Watch(appCtx); err != nil && appCtx.Err() == nil {
					logger.Error("manifest watcher stopped", zap.Error(err))
				}
			}()
		}
		disc.StartReloadListener(appCtx)
	}

	// 8. HTTP Server
	gateway := engine.NewGateway(orch, acl, trail, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gateway.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("orchestrator core started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("orchestrator core stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("orchestrator core exited properly")
}
