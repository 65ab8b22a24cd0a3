package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/alfred/services/gateway/audit"
	"github.com/AlfredDev/alfred/services/gateway/billing"
	"github.com/AlfredDev/alfred/services/gateway/config"
	"github.com/AlfredDev/alfred/services/gateway/handler"
	"github.com/AlfredDev/alfred/services/gateway/jobs"
	"github.com/AlfredDev/alfred/services/gateway/logger"
	"github.com/AlfredDev/alfred/services/gateway/provider"
	"github.com/AlfredDev/alfred/services/gateway/redisclient"
	"github.com/AlfredDev/alfred/services/gateway/router"
	"github.com/AlfredDev/alfred/services/gateway/stages"
	"github.com/AlfredDev/alfred/services/gateway/streaming"
	"github.com/AlfredDev/alfred/services/gateway/workflow"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("alfred gateway starting")

	// Initialize Redis (reservation cache, webhook idempotency)
	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without Redis")
	} else {
		if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// Initialize provider registry
	registry := provider.NewRegistry()
	registerProviders(cfg, registry, log)

	// Postgres (billing ledger, background jobs, audit chain)
	db, err := sqlx.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid DATABASE_URL")
	}
	db.SetMaxOpenConns(20)
	if err := db.Ping(); err != nil {
		log.Warn().Err(err).Msg("postgres ping failed — billing/workflow writes will error until it recovers")
	} else {
		log.Info().Msg("postgres connected")
	}

	// Billing stack (T150-T162)
	ledger := billing.NewLedger(db)
	var reservationCache *billing.ReservationCache
	var webhookEffects *billing.WebhookEffects
	auditChain := audit.NewChain(db, cfg.AuditHMACSecret, log)
	if n, err := auditChain.MigrateLegacyEntries(context.Background()); err != nil {
		log.Warn().Err(err).Msg("legacy audit migration failed")
	} else if n > 0 {
		log.Info().Int("migrated", n).Msg("legacy audit entries chained")
	}
	pricing := provider.DefaultPricing()
	pricer := &pricingAdapter{pc: pricing}
	if rc != nil {
		reservationCache = billing.NewReservationCache(rc.Raw(), cfg.BillingReservationTTL)
		idempotency := billing.NewWebhookIdempotency(rc.Raw(), 24*time.Hour)
		webhookEffects = billing.NewWebhookEffects(ledger, reservationCache, idempotency, auditChain, log)
	} else {
		log.Warn().Msg("redis unavailable — billing initiation will fail closed")
	}
	billingEngine := billing.NewEngine(
		ledger, reservationCache, pricer, nil, highVarianceTask, auditChain,
		billing.EngineConfig{
			ReservationTTL:    cfg.BillingReservationTTL,
			BufferMultiplier:  cfg.BillingBufferMultiplier,
			AdjustmentMaxUSD:  cfg.BillingAdjustmentMaxUSD,
			AdjustmentMaxPct:  cfg.BillingAdjustmentMaxPct,
			HighVarianceFloor: cfg.BillingHighVarianceFloorUSD,
		}, log)
	reconciler := billing.NewReconciler(billingEngine, ledger, cfg.BillingReconcileInterval, cfg.BillingReconcileBatchSize, log)
	if err := reconciler.Start(context.Background()); err != nil {
		log.Error().Err(err).Msg("start billing reconciler")
	}

	// Job dispatcher + workflow orchestrator (T170-T200)
	jobRepo := jobs.NewPostgresRepository(db)
	jobQueue := jobs.NewInMemoryQueue(jobRepo, int64(cfg.JobPermits))
	notifier := &orchestratorNotifier{}
	dispatcher := jobs.NewDispatcher(jobQueue, jobRepo, notifier, &billingCostReporter{engine: billingEngine}, &jobEventLogger{log: log}, jobs.DispatcherConfig{
		JobTimeout: cfg.DefaultJobTimeout,
		MaxRetries: cfg.MaxRetryCount,
	}, log)

	orch, err := workflow.NewOrchestrator(
		jobRepo, jobQueue, dispatcher, workflow.NewDefaultFailureHandler(1), billingEngine,
		workflowDefinitions(),
		workflow.OrchestratorConfig{
			MaxConcurrentStages: cfg.MaxConcurrentStages,
			LockTimeout:         cfg.WorkflowLockTimeout,
		}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid workflow definitions")
	}
	orch.SetEventSink(workflow.NewLogEventSink(log))
	notifier.orch = orch

	finalCosts := streaming.NewFinalCostCache(30 * time.Minute)
	dispatcher.Register("llm.chat", stages.NewLLMProcessor(
		registry, billingEngine, pricing, finalCosts, dispatcher, streaming.PipelineConfig{}, log))
	dispatcher.Register("static", stages.NewStaticProcessor())

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go dispatcher.Run(dispatchCtx)

	if err := orch.RecoverOrphans(context.Background()); err != nil {
		log.Error().Err(err).Msg("startup orphan recovery failed")
	}

	workflowHandler := handler.NewWorkflowHandler(orch, log)
	billingHandler := handler.NewBillingHandler(finalCosts, webhookEffects, auditChain, log)

	// Create router with all middleware and handlers
	r := router.NewRouter(cfg, log, workflowHandler, billingHandler)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second, // extra buffer for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	// Stop background tasks
	stopDispatch()
	dispatcher.Drain()
	reconciler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

// pricingAdapter maps the billing engine's service-name contract
// ("provider/model") onto the provider pricing catalog.
type pricingAdapter struct {
	pc *provider.PricingConfig
}

func (a *pricingAdapter) split(serviceName string) (string, string, error) {
	parts := strings.SplitN(serviceName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("service name %q is not provider/model", serviceName)
	}
	return parts[0], parts[1], nil
}

func (a *pricingAdapter) EstimateCost(serviceName string, tokensInput, tokensOutput int64) (float64, error) {
	prov, model, err := a.split(serviceName)
	if err != nil {
		return 0, err
	}
	if _, ok := a.pc.GetPricing(prov, model); !ok {
		return 0, fmt.Errorf("no pricing for %s", serviceName)
	}
	return a.pc.CalculateCost(prov, model, int(tokensInput), int(tokensOutput)), nil
}

func (a *pricingAdapter) FinalCost(serviceName string, tokensInput, tokensOutput, cacheRead, cacheWrite int64) (float64, error) {
	// Cache reads/writes bill at the input rate; the catalog has no
	// separate cache tiers.
	return a.EstimateCost(serviceName, tokensInput+cacheRead+cacheWrite, tokensOutput)
}

// highVarianceTask marks task families whose cost estimate is
// unreliable, reserving the flat floor instead of a percentage margin.
func highVarianceTask(taskType string) bool {
	switch taskType {
	case "web_search", "video_analysis":
		return true
	default:
		return false
	}
}

// orchestratorNotifier adapts the Orchestrator to the Dispatcher's
// WorkflowNotifier without a package cycle. The orch field is set right
// after the orchestrator is constructed, before any job runs.
type orchestratorNotifier struct {
	orch *workflow.Orchestrator
}

func (n *orchestratorNotifier) UpdateJobStatus(ctx context.Context, jobID string, status jobs.Status, errMsg string) error {
	if n.orch == nil {
		return nil
	}
	return n.orch.UpdateJobStatus(ctx, jobID, workflow.JobStatus(status), errMsg)
}

func (n *orchestratorNotifier) StoreStageData(ctx context.Context, workflowID, jobID string, value interface{}) error {
	if n.orch == nil {
		return nil
	}
	return n.orch.StoreStageData(ctx, workflowID, jobID, value)
}

// billingCostReporter adapts the billing engine to the Dispatcher's
// CostReporter.
type billingCostReporter struct {
	engine *billing.Engine
}

func (r *billingCostReporter) StageCost(ctx context.Context, jobID string) float64 {
	return r.engine.StageCost(ctx, jobID)
}

func (r *billingCostReporter) ReportCancelledJobCost(ctx context.Context, rep jobs.CancelledJobCost) error {
	return r.engine.RecordCancelledJobCost(ctx, billing.CancelledCostReport{
		RequestID:    rep.RequestID,
		FinalCost:    rep.FinalCost,
		TokensInput:  rep.TokensInput,
		TokensOutput: rep.TokensOutput,
		ServiceName:  rep.ServiceName,
	})
}

// jobEventLogger writes dispatcher events to the structured log.
type jobEventLogger struct {
	log zerolog.Logger
}

func (s *jobEventLogger) JobEvent(evt jobs.Event) {
	s.log.Info().
		Str("job_id", evt.JobID).
		Str("task_type", evt.TaskType).
		Str("status", string(evt.Status)).
		Str("error", evt.ErrorMessage).
		Float64("actual_cost", evt.ActualCost).
		Msg("job event")
}

// workflowDefinitions returns the definitions loaded at startup. The
// file-finder workflow mirrors the desktop assistant's multi-stage
// analysis: filter candidate files, derive search patterns, then verify
// the matched paths.
func workflowDefinitions() []workflow.WorkflowDefinition {
	return []workflow.WorkflowDefinition{
		{
			Name: "file_finder",
			Stages: []workflow.StageDefinition{
				{
					StageName: "filter_files",
					TaskType:  "llm.chat",
				},
				{
					StageName:    "generate_patterns",
					TaskType:     "llm.chat",
					Dependencies: []string{"filter_files"},
				},
				{
					StageName:    "verify_paths",
					TaskType:     "static",
					Dependencies: []string{"generate_patterns"},
				},
			},
		},
	}
}

func registerProviders(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		openai := provider.NewOpenAIProvider(provider.ProviderConfig{
			Name:    "openai",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("openai"),
		})
		registry.Register(openai)
		log.Info().Msg("registered openai provider")
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		anthropic := provider.NewAnthropicProvider(provider.ProviderConfig{
			Name:    "anthropic",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("anthropic"),
		})
		registry.Register(anthropic)
		log.Info().Msg("registered anthropic provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}
