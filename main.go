// quarryd is the research pipeline service: it accepts research
// questions over HTTP, runs the evidence pipeline against the external
// capabilities, streams run events over SSE/WebSocket, and brokers plan
// reviews between waiting runs and human reviewers.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/approval"
	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/fetch"
	"github.com/quarrylab/quarry/internal/health"
	"github.com/quarrylab/quarry/internal/httpapi"
	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/llm"
	_ "github.com/quarrylab/quarry/internal/metrics" // register collectors
	"github.com/quarrylab/quarry/internal/pipeline"
	"github.com/quarrylab/quarry/internal/policy"
	"github.com/quarrylab/quarry/internal/pricing"
	"github.com/quarrylab/quarry/internal/ranking"
	"github.com/quarrylab/quarry/internal/search"
	"github.com/quarrylab/quarry/internal/server"
	"github.com/quarrylab/quarry/internal/streaming"
	"github.com/quarrylab/quarry/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed, continuing without", zap.Error(err))
	}

	// Redis backs the approval gate's durable review records.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	store, err := ledger.NewStore(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open ledger store", zap.Error(err))
	}
	defer store.Close()

	gate := approval.NewGate(redisClient, cfg.Approval.Timeout, logger)
	streams := streaming.NewManager(streaming.DefaultCapacity)

	ranker := ranking.New(loadRankingTables(cfg, logger), logger)

	var policyEngine policy.Engine
	if cfg.Policy.Enabled {
		eng, err := policy.NewOPAEngine(&policy.Config{
			Enabled:     true,
			Mode:        policy.Mode(cfg.Policy.Mode),
			Path:        cfg.Policy.Path,
			FailClosed:  cfg.Policy.FailClosed,
			Environment: cfg.Service.Environment,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize plan policy engine", zap.Error(err))
		}
		policyEngine = eng
	}

	// Config manager hot-reloads pricing and ranking tables and
	// re-registers policies on .rego changes.
	startConfigManager(ctx, cfg, ranker, policyEngine, logger)

	generator := llm.NewClient(cfg.Capabilities.Generation, logger)
	searcher := search.NewSerper(cfg.Capabilities.Search, logger)
	fetcher := fetch.NewHTTP(cfg.Capabilities.Fetch, logger)

	runner := pipeline.NewRunner(
		pipeline.Capabilities{Generator: generator, Searcher: searcher, Fetcher: fetcher},
		pipeline.Options{
			Research:    cfg.Research,
			Budget:      cfg.Budget,
			MaxEdits:    cfg.Approval.MaxEdits,
			Environment: cfg.Service.Environment,
			Mode:        "service",
			Gate:        gate,
			Policy:      policyEngine,
			Ranker:      ranker,
			Store:       store,
			Streams:     streams,
		},
		logger,
	)

	// Health checks: redis and the database gate readiness; the
	// generation service degrades only, since queued runs can wait.
	healthMgr := health.NewManager(logger)
	healthMgr.Register(health.NewRedisChecker(redisClient, true))
	healthMgr.Register(health.NewPingChecker("database", store, true))
	healthMgr.Register(health.NewServiceChecker("generation",
		cfg.Capabilities.Generation.BaseURL+"/health", false))
	healthMgr.Start(ctx)
	defer healthMgr.Stop()

	svc := server.New(runner, store, logger)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	httpapi.NewStreamingHandler(streams, logger).RegisterRoutes(mux)
	httpapi.NewApprovalHandler(gate, cfg.Approval.AuthToken, logger).RegisterRoutes(mux)
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.APIPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  120 * time.Second,
		// No WriteTimeout: SSE connections are long-lived by design.
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("quarryd started",
		zap.String("environment", cfg.Service.Environment),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("policy", cfg.Policy.Enabled),
	)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	svc.Shutdown(shutdownCtx)
	logger.Info("Shutdown complete")
}

// loadRankingTables reads domains.yaml from the config dir, falling back
// to the compiled-in defaults.
func loadRankingTables(cfg *config.Config, logger *zap.Logger) ranking.Tables {
	path := filepath.Join(cfg.Service.ConfigDir, "domains.yaml")
	tables, err := ranking.LoadTables(path)
	if err != nil {
		logger.Warn("Failed to load ranking tables, using defaults",
			zap.String("path", path), zap.Error(err))
	}
	return tables
}

// startConfigManager wires hot reload for pricing.yaml, domains.yaml,
// and the policy directory. Failure to start is logged, not fatal: the
// service runs fine on boot-time configuration.
func startConfigManager(ctx context.Context, cfg *config.Config, ranker *ranking.Ranker, policyEngine policy.Engine, logger *zap.Logger) {
	mgr, err := config.NewManager(cfg.Service.ConfigDir, logger)
	if err != nil {
		logger.Warn("Config manager init failed, hot reload disabled", zap.Error(err))
		return
	}

	mgr.RegisterValidator("pricing.yaml", func(m map[string]interface{}) error {
		return pricing.ValidateMap(m)
	})
	mgr.RegisterHandler("pricing.yaml", func(ev config.ChangeEvent) error {
		pricing.Reload()
		logger.Info("Pricing configuration reloaded", zap.String("action", ev.Action))
		return nil
	})
	mgr.RegisterHandler("domains.yaml", func(ev config.ChangeEvent) error {
		tables, err := ranking.LoadTables(filepath.Join(cfg.Service.ConfigDir, "domains.yaml"))
		if err != nil {
			return err
		}
		ranker.SetTables(tables)
		return nil
	})
	if reloader, ok := policyEngine.(*policy.OPAEngine); ok && reloader != nil {
		mgr.RegisterPolicyHandler(func() error {
			logger.Info("Reloading plan policies")
			return reloader.LoadPolicies()
		})
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Warn("Config manager start failed, hot reload disabled", zap.Error(err))
		return
	}
	if os.Getenv("QUARRY_CONFIG_POLL") != "" {
		mgr.EnablePolling(30 * time.Second)
	}
}
