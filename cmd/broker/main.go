package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agenshield/internal/audit"
	"github.com/xela07ax/agenshield/internal/broker"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/engine"
	"github.com/xela07ax/agenshield/internal/infra"
	"github.com/xela07ax/agenshield/internal/policy"
	"github.com/xela07ax/agenshield/internal/protocol"
	"github.com/xela07ax/agenshield/internal/sandbox"
)

func main() {
	cfg, err := infra.LoadConfig(os.Getenv("AGENSHIELD_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logger = logger.Named("broker")
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := broker.NewMetrics(reg)

	// 1. Локальные правила: файл, иначе пустой набор и только default_action
	var source policy.Source = policy.StaticSource(nil)
	var rulesFile *policy.FileSource
	if cfg.Policy.RulesFile != "" {
		rulesFile = policy.NewFileSource(cfg.Policy.RulesFile)
		source = rulesFile
	}
	enforcer := policy.NewEnforcer(domain.PolicyAction(cfg.Policy.DefaultAction), source, logger, policy.NewMetrics(reg))
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
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		go engine.ListenPolicyUpdates(appCtx, rdb, logger, enforcer)
	}

	opts := []broker.Option{}
	if cfg.Sandbox.ProfileDir != "" {
		opts = append(opts, broker.WithProfiles(sandbox.NewCache(cfg.Sandbox.ProfileDir, logger, sandbox.NewMetrics(reg))))
	}

	// 2. Демон: арбитр решений, приемник аудита и сигналов жизненного цикла
	var sink audit.Sink = audit.NewLogSink(logger)
	if cfg.Broker.DaemonURL != "" {
		client := protocol.NewClient(cfg.Broker.DaemonURL,
			protocol.WithToken(cfg.Auth.Token),
			protocol.WithTimeout(cfg.Broker.ForwardTimeout),
		)
		opts = append(opts,
			broker.WithForwarder(broker.NewForwarder(client, cfg.Broker.ForwardTimeout, logger, metrics)),
			broker.WithLifecycle(client),
		)
		sink = audit.NewRPCSink(client)
	} else {
		logger.Warn("broker.daemon_url is empty: decisions stay local")
	}

	reporter := audit.NewReporter(sink, audit.Config{
		MaxQueueSize:   cfg.Reporter.MaxQueueSize,
		FlushThreshold: cfg.Reporter.FlushThreshold,
		FlushInterval:  cfg.Reporter.FlushInterval,
		MaxRetries:     cfg.Reporter.MaxRetries,
	}, logger, audit.NewMetrics(reg))
	reporter.Start()
	defer reporter.Stop()
	opts = append(opts, broker.WithReporter(reporter))

	b := broker.New(enforcer, broker.Config{
		ConfirmDefaultAllow: cfg.Broker.ConfirmDefaultAllow,
		BaseSandbox:         cfg.Sandbox.Base,
	}, logger, metrics, opts...)

	srv := &http.Server{
		Addr:              cfg.Broker.Listen,
		Handler:           broker.NewRouter(b, reg, logger),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("broker started", zap.String("addr", srv.Addr), zap.String("daemon", cfg.Broker.DaemonURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("broker stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()
	logger.Info("broker exited properly")
}
