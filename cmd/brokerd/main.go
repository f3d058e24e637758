// Command brokerd is the execution-governance broker's composition
// root: it wires storage, the policy/identity/risk/approval
// components, the lifecycle orchestrator, and the background jobs into
// a single process, using in-memory backings by default and Postgres/
// Redis when configured.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/execguard/broker/internal/approval"
	"github.com/execguard/broker/internal/audit"
	"github.com/execguard/broker/internal/competence"
	"github.com/execguard/broker/internal/config"
	"github.com/execguard/broker/internal/guardrail"
	"github.com/execguard/broker/internal/jobs"
	"github.com/execguard/broker/internal/orchestrator"
	"github.com/execguard/broker/internal/policy"
	"github.com/execguard/broker/internal/queue"
	"github.com/execguard/broker/internal/risk"
	"github.com/execguard/broker/internal/store"
	"github.com/execguard/broker/internal/store/pg"
	"github.com/execguard/broker/internal/telemetry"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	envelopes := store.NewMemoryEnvelopeStore()
	identities := store.NewMemoryIdentityStore()
	delegations := store.NewMemoryDelegationStore()
	approvals := store.NewMemoryApprovalStore()
	policies := store.NewMemoryPolicyStore()
	competenceStore := store.NewMemoryCompetenceStore()
	registry := store.NewMemoryCartridgeRegistry()

	reg := prometheus.NewRegistry()
	recorder := telemetry.New(reg)

	var ledger audit.Ledger = audit.NewMemoryLedger(nil, logger)
	if cfg.Storage.Backend == "postgres" {
		if cfg.Storage.PostgresDSN == "" {
			logger.Fatal("storage backend postgres requires storage.postgres_dsn")
		}
		pgLedger, err := pg.NewPGLedgerFromDSN(cfg.Storage.PostgresDSN, logger)
		if err != nil {
			logger.Fatal("failed to open postgres audit ledger", zap.Error(err))
		}
		ledger = pgLedger
		logger.Info("audit ledger backed by postgres")
	} else if cfg.Storage.Backend != "memory" {
		logger.Warn("unknown storage backend, falling back to in-memory audit ledger",
			zap.String("requestedBackend", cfg.Storage.Backend))
	}

	var guardrails guardrail.Store = guardrail.NewInProcessStore()
	if cfg.Storage.GuardrailBackend == "redis" {
		if cfg.Storage.RedisAddr == "" {
			logger.Fatal("guardrail backend redis requires storage.redis_addr")
		}
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		guardrails = guardrail.NewCircuitBreakerRedisStore(redisClient, logger)
		logger.Info("guardrail state backed by circuit-breaker-wrapped redis", zap.String("addr", cfg.Storage.RedisAddr))
	}

	if cfg.Policy.BundleDir != "" {
		loader := policy.NewFileLoader(cfg.Policy.BundleDir, policies, nil, logger)
		if err := loader.Load(context.Background()); err != nil {
			logger.Fatal("failed to load policy bundle", zap.Error(err))
		}
		if err := loader.StartWatching(context.Background()); err != nil {
			logger.Warn("failed to start policy bundle watcher", zap.Error(err))
		} else {
			defer loader.StopWatching()
		}
	}

	engine := policy.NewEngine(policies, guardrails, recorder, logger, policy.Config{
		DefaultEffect:  store.EffectDeny,
		PolicyCacheTTL: time.Duration(cfg.Policy.CacheTTLMs) * time.Millisecond,
	})
	registry.OnChange(engine.InvalidateCache)

	tracker := competence.NewTracker(competenceStore, ledger, competence.Config{
		Floor: 0, Ceiling: 100, SuccessPoints: 2, ConsecutiveBonusPerStep: 0.5, ConsecutiveBonusCap: 5,
		FailurePoints: 8, RollbackPoints: 12, PromotionScore: 80, PromotionMinSuccesses: 10,
		DemotionScore: 40, DecayPerDay: cfg.Competence.DecayPerDay, InitialScore: 50,
	}, logger)

	standardHrs, elevatedHrs, mandatoryHrs := cfg.ApprovalExpiryHours()

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.ExecutionMode = orchestrator.ExecutionMode(cfg.Execution.Mode)
	orchCfg.DenyWhenNoApprovers = cfg.Approval.DenyWhenNoApprovers
	orchCfg.ExpiryConfig = approval.ExpiryConfig{StandardHours: standardHrs, ElevatedHours: elevatedHrs, MandatoryHours: mandatoryHrs}
	orchCfg.IdempotencyWindow = time.Duration(cfg.Idempotency.WindowMs) * time.Millisecond

	deps := orchestrator.Deps{
		Envelopes:   envelopes,
		Identities:  identities,
		Delegations: delegations,
		Approvals:   approvals,
		Registry:    registry,
		Policies:    engine,
		Scorer:      risk.NewDefaultScorer(),
		Competence:  tracker,
		Ledger:      ledger,
		Guardrails:  guardrails,
		Recorder:    recorder,
		Logger:      logger,
	}

	orch := orchestrator.New(deps, orchCfg)

	if orchCfg.ExecutionMode == orchestrator.ExecutionQueue {
		queueOpts := queue.DefaultOptions()
		queueOpts.Concurrency = cfg.Execution.QueueConcurrency
		queueOpts.MaxAttempts = cfg.Execution.QueueMaxAttempts
		worker := queue.NewInProcessWorker(queueOpts, orch.ExecuteQueued, logger)
		worker.Start(context.Background())
		defer worker.Stop()
	}

	expiryJob := jobs.NewExpiryJob(orch, time.Duration(cfg.Audit.ExpirySweepIntervalMs)*time.Millisecond, logger)
	expiryJob.Start(context.Background())
	defer expiryJob.Stop()

	chainVerifyJob := jobs.NewChainVerifyJob(ledger, time.Duration(cfg.Audit.ChainVerifyIntervalMs)*time.Millisecond, logger)
	chainVerifyJob.Start(context.Background())
	defer chainVerifyJob.Stop()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := ":" + strconv.Itoa(cfg.Metrics.Port)
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	logger.Info("broker started", zap.String("executionMode", string(orchCfg.ExecutionMode)))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("broker shutting down")
}
