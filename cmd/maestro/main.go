package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/lumenlabs/maestro/auth"
	"github.com/lumenlabs/maestro/config"
	"github.com/lumenlabs/maestro/cost"
	"github.com/lumenlabs/maestro/decision"
	"github.com/lumenlabs/maestro/fallback"
	"github.com/lumenlabs/maestro/heuristics"
	"github.com/lumenlabs/maestro/monitoring"
	"github.com/lumenlabs/maestro/orchestrator"
	"github.com/lumenlabs/maestro/performance"
	"github.com/lumenlabs/maestro/provider"
	"github.com/lumenlabs/maestro/provider/claude"
	"github.com/lumenlabs/maestro/provider/gemini"
	openaiProvider "github.com/lumenlabs/maestro/provider/openai"
	"github.com/lumenlabs/maestro/registry"
	"github.com/lumenlabs/maestro/server"
	"github.com/lumenlabs/maestro/state"
	"github.com/lumenlabs/maestro/utils"
)

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	var states state.Manager
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			sugar.Fatalw("Failed to create Valkey client", "error", err)
		}
		defer valkeyClient.Close()
		states = state.NewValkeyManager(valkeyClient)
	} else {
		memoryManager, stopCleanup := state.NewMemoryManager()
		defer stopCleanup()
		states = memoryManager
	}

	catalog := registry.New(sugar)
	if err := catalog.Load(cfg.Models); err != nil {
		sugar.Fatalw("Failed to load model catalog", "error", err)
	}

	tracker := performance.NewTracker(cfg.Performance, sugar)
	budget := cost.NewManager(cfg.Cost, sugar)
	rules := heuristics.NewEngine(cfg.Heuristics, sugar)
	metrics := monitoring.NewManager(cfg.Monitoring, sugar)

	decisionLog := decision.NewRingRecorder(256)
	selector := decision.NewService(cfg.Decision, catalog, tracker, budget, rules,
		&meteredDecisions{log: decisionLog, metrics: metrics}, sugar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	endpoints, err := buildEndpoints(ctx, cfg)
	if err != nil {
		sugar.Fatalw("Failed to create provider endpoints", "error", err)
	}
	if len(endpoints) == 0 {
		sugar.Fatalw("No provider API keys configured")
	}

	engine := fallback.NewEngine(cfg.Fallback, selector, catalog, endpoints,
		&meteredOutcomes{tracker: tracker, metrics: metrics},
		&meteredSpend{budget: budget, metrics: metrics},
		states, sugar)

	pipeline, err := orchestrator.New(cfg.Orchestrator, engine, states, nil, budget, metrics, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create orchestrator", "error", err)
	}

	httpServer := server.New(
		server.Config{
			Port: cfg.Port,
			Auth: auth.Config{ApiKey: cfg.ApiKey, JwtSecret: cfg.JwtSecret},
		},
		pipeline, catalog, decisionLog, budget, metrics, sugar)

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		for _, endpoint := range endpoints {
			if err := endpoint.Shutdown(); err != nil {
				sugar.Warnw("Failed to shut down endpoint",
					"provider", endpoint.Provider(), "error", err)
			}
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}

func buildEndpoints(ctx context.Context, cfg *config.Config) (map[string]provider.Endpoint, error) {
	endpoints := make(map[string]provider.Endpoint)

	if cfg.OpenAiApiKey != "" {
		endpoint, err := openaiProvider.NewEndpoint(cfg.OpenAiApiKey)
		if err != nil {
			return nil, err
		}
		endpoints[endpoint.Provider()] = endpoint
	}
	if cfg.ClaudeApiKey != "" {
		endpoint, err := claude.NewEndpoint(cfg.ClaudeApiKey)
		if err != nil {
			return nil, err
		}
		endpoints[endpoint.Provider()] = endpoint
	}
	if cfg.GeminiApiKey != "" {
		endpoint, err := gemini.NewEndpoint(ctx, cfg.GeminiApiKey)
		if err != nil {
			return nil, err
		}
		endpoints[endpoint.Provider()] = endpoint
	}
	return endpoints, nil
}

// meteredDecisions feeds every selection to both the admin log and the
// metrics surface.
type meteredDecisions struct {
	log     *decision.RingRecorder
	metrics *monitoring.Manager
}

func (m *meteredDecisions) Record(record decision.Record) {
	m.log.Record(record)
	m.metrics.RecordSelection(record.Request.TaskType, record.Selected, string(record.Reason))
}

// meteredOutcomes feeds attempt outcomes to both the performance tracker and
// the metrics surface.
type meteredOutcomes struct {
	tracker *performance.Tracker
	metrics *monitoring.Manager
}

func (m *meteredOutcomes) RecordSuccess(model string, taskType string, latency time.Duration) {
	m.tracker.RecordSuccess(model, taskType, latency)
	m.metrics.RecordAttempt(model, true, latency)
}

func (m *meteredOutcomes) RecordFailure(model string, taskType string, latency time.Duration, err error) {
	m.tracker.RecordFailure(model, taskType, latency, err)
	m.metrics.RecordAttempt(model, false, latency)
}

// meteredSpend feeds realized cost to both the budget tracker and the metrics
// surface.
type meteredSpend struct {
	budget  *cost.Manager
	metrics *monitoring.Manager
}

func (m *meteredSpend) RecordSpend(model string, amount float64) {
	m.budget.RecordSpend(amount)
	m.metrics.RecordCost(model, amount)
}
