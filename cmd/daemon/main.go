package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agenshield/internal/audit"
	"github.com/xela07ax/agenshield/internal/console"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/engine"
	"github.com/xela07ax/agenshield/internal/eventbus"
	"github.com/xela07ax/agenshield/internal/graph"
	"github.com/xela07ax/agenshield/internal/infra"
	"github.com/xela07ax/agenshield/internal/infra/auth"
	"github.com/xela07ax/agenshield/internal/policy"
	"github.com/xela07ax/agenshield/internal/repository/memory"
	"github.com/xela07ax/agenshield/internal/repository/postgres"
	"github.com/xela07ax/agenshield/internal/sandbox"
)

func main() {
	// 1. Конфиг и логгер
	cfg, err := infra.LoadConfig(os.Getenv("AGENSHIELD_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей Redis, вотчер правил и свипер
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 2. Хранилища: Postgres, если задан URL, иначе все в памяти
	var (
		graphStore graph.Store   = memory.NewGraphStore()
		auditSink  audit.Sink    = audit.NewLogSink(logger)
		ruleSource policy.Source = policy.StaticSource(nil)
		closeDB                  = func() {}
	)
	if cfg.Database.URL != "" {
		pool, err := postgres.Connect(appCtx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("postgres unavailable", zap.Error(err))
		}
		closeDB = pool.Close
		graphStore = postgres.NewGraphRepo(pool)
		auditSink = postgres.NewAuditRepo(pool)
		ruleSource = postgres.NewRuleRepo(pool)
	} else {
		logger.Warn("database.url is empty: graph and audit live in memory")
	}
	defer closeDB()

	var rulesFile *policy.FileSource
	if cfg.Policy.RulesFile != "" {
		rulesFile = policy.NewFileSource(cfg.Policy.RulesFile)
		ruleSource = rulesFile
	}

	// 3. Политики
	enforcer := policy.NewEnforcer(domain.PolicyAction(cfg.Policy.DefaultAction), ruleSource, logger, policy.NewMetrics(reg))
	if err := enforcer.Refresh(appCtx); err != nil {
		logger.Fatal("initial rules load failed", zap.Error(err))
	}
	if rulesFile != nil && cfg.Policy.WatchRules {
		go func() {
			if err := rulesFile.Watch(appCtx, logger, enforcer.Refresh); err != nil {
				logger.Error("rules watcher stopped", zap.Error(err))
			}
		}()
	}

	// 4. Граф каскадных эффектов
	bus := eventbus.New(256, logger)
	graphEngine := graph.NewEngine(graphStore, bus, graph.Config{
		SessionTTL:      cfg.Graph.SessionTTL,
		MaxCascadeDepth: cfg.Graph.MaxCascadeDepth,
	}, logger, graph.NewMetrics(reg))
	defer graphEngine.Close()
	if err := graphEngine.Load(appCtx); err != nil {
		logger.Fatal("graph load failed", zap.Error(err))
	}

	sweeper := graph.NewSweeper(graphEngine, cfg.Graph.SweepSchedule, logger)
	if err := sweeper.Start(appCtx); err != nil {
		logger.Fatal("sweeper start failed", zap.Error(err))
	}
	defer sweeper.Stop()

	// 5. Аудит
	reporter := audit.NewReporter(auditSink, audit.Config{
		MaxQueueSize:   cfg.Reporter.MaxQueueSize,
		FlushThreshold: cfg.Reporter.FlushThreshold,
		FlushInterval:  cfg.Reporter.FlushInterval,
		MaxRetries:     cfg.Reporter.MaxRetries,
	}, logger, audit.NewMetrics(reg))
	reporter.Start()
	defer reporter.Stop()

	// 6. Ядро
	metrics := engine.NewMetrics(reg)
	core := engine.NewCore(enforcer, logger, metrics,
		engine.WithGraph(graphEngine),
		engine.WithBus(bus),
		engine.WithReporter(reporter),
		engine.WithProfiles(sandboxCache(cfg, logger, reg)),
		engine.WithBaseSandbox(cfg.Sandbox.Base),
	)

	// 7. Control Plane через Redis (необязателен для одиночного демона)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()

		dormant := engine.NewDormantSwitch(rdb, graphEngine, logger)
		if err := dormant.Init(appCtx); err != nil {
			logger.Warn("dormant switch init failed", zap.Error(err))
		}
		graphEngine.SetWakeNotifier(dormant)
		go dormant.StartListener(appCtx)

		// Ребра, добавленные через другие демоны над той же БД
		topology := engine.NewTopologySync(rdb, graphEngine, logger)
		graphEngine.SetTopologyNotifier(topology)
		go topology.StartListener(appCtx)
		go engine.ListenPolicyUpdates(appCtx, rdb, logger, enforcer)
		go engine.ListenLifecycle(appCtx, rdb, logger, core)
	}

	// 8. Периметр: токены брокеров и лимит запросов
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("auth public key", zap.Error(err))
		}
		validator = auth.NewBaseValidator(pub)
	} else {
		logger.Warn("auth public key is not configured: broker tokens are not checked")
	}
	var limiter *rate.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	}

	srv := &http.Server{
		Addr: net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
		Handler: engine.NewRouter(core, engine.RouterDeps{
			Validator:  validator,
			Limiter:    limiter,
			Bus:        bus,
			RPCTimeout: cfg.Server.WriteTimeout,
			Admin:      console.NewHandler(enforcer, graphEngine, reporter.Len, logger).Routes(),
		}, logger, metrics),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout не ставим: /v1/events держит соединение открытым
	}

	metricsSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.MetricsPort)),
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 9. gRPC в отдельной горутине
	grpcSrv, healthSrv := engine.NewGRPCServer(core, validator, logger, metrics)
	go func() {
		addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.GRPCPort))
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.Error(err))
		}
		logger.Info("gRPC server started", zap.String("addr", addr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("daemon started", zap.String("addr", srv.Addr), zap.Int("rules", len(enforcer.Rules())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("daemon stopping")
	healthSrv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancel()
	logger.Info("daemon exited properly")
}

// sandboxCache: кеш скомпилированных профилей; пустой profile_dir отключает компиляцию
func sandboxCache(cfg *infra.Config, logger *zap.Logger, reg prometheus.Registerer) *sandbox.Cache {
	if cfg.Sandbox.ProfileDir == "" {
		return nil
	}
	return sandbox.NewCache(cfg.Sandbox.ProfileDir, logger, sandbox.NewMetrics(reg))
}
