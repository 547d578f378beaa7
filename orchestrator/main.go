// Command orchestrator is the single-node content pipeline: it watches an
// incoming directory for documents, runs each one through the LLM stages
// and leaves a renderer-ready manifest per project.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/storyfab/storyfab/orchestrator/content"
	"github.com/storyfab/storyfab/orchestrator/dedup"
	"github.com/storyfab/storyfab/orchestrator/faults"
	"github.com/storyfab/storyfab/orchestrator/ingress"
	"github.com/storyfab/storyfab/orchestrator/journal"
	"github.com/storyfab/storyfab/orchestrator/llm"
	"github.com/storyfab/storyfab/orchestrator/progress"
	"github.com/storyfab/storyfab/orchestrator/state"
	"github.com/storyfab/storyfab/orchestrator/trends"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := progress.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	// Provider and call fabric.
	var provider llm.Provider
	if cfg.MockMode {
		logger.Warn("MOCK_MODE enabled, no provider calls will be made")
		provider = devMockProvider()
	} else {
		provider = llm.NewGeminiProvider(cfg.GeminiAPIKey, cfg.APITimeout)
	}

	pool := llm.NewSessionPool(llm.PoolConfig{
		Min:            cfg.PoolMin,
		Max:            cfg.PoolMax,
		IdleTimeout:    cfg.PoolIdle,
		AcquireTimeout: cfg.PoolAcquire,
	}, llm.PoolHooks{
		Create: func(ctx context.Context) (*llm.Session, error) {
			return &llm.Session{ID: uuid.NewString(), Provider: provider, CreatedAt: time.Now()}, nil
		},
		Validate: func(s *llm.Session) bool { return s.Provider != nil },
	})
	queue := llm.NewAdmissionQueue(cfg.MaxConcurrency, cfg.MaxWaiting, true)
	limiter := llm.NewRateLimiter(cfg.RateLimitRPM, float64(cfg.RateLimitRPM)/60.0, 0.1)

	ledger, err := llm.NewCostLedger(filepath.Join(cfg.DataDir, "cost_report.json"), llm.DefaultPricing)
	if err != nil {
		fatal("Failed to open cost ledger", err)
	}
	fabric := llm.NewFabric(llm.FabricConfig{
		Chain:                   cfg.ModelChain,
		MaxRetries:              cfg.MaxRetries,
		BackoffBase:             cfg.BackoffBase,
		CallTimeout:             cfg.APITimeout,
		StrictHints:             content.StrictHints(),
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,
		BreakerSuccessThreshold: 2,
	}, queue, limiter, pool, ledger, logger)

	// Stores and the state machine.
	store, err := state.NewManifestStore(cfg.ProjectsDir)
	if err != nil {
		fatal("Failed to open manifest store", err)
	}
	classifier := faults.NewClassifier(append([]string{"gemini", "genai"}, modelNames(cfg)...)...)
	machine, err := state.NewMachine(state.MachineConfig{
		Store:              store,
		Classifier:         classifier,
		Chain:              cfg.ModelChain,
		DeadLetterDir:      cfg.DeadLetterDir,
		AlertsPath:         cfg.AlertsPath,
		MaxRetries:         cfg.MaxRetries,
		MaxStaleRecoveries: cfg.MaxStaleRecoveries,
		Logger:             logger,
	})
	if err != nil {
		fatal("Failed to initialize state machine", err)
	}

	trendStore, err := trends.NewStore(
		filepath.Join(cfg.DataDir, "trends_authority.json"),
		trends.StaticSource(cfg.TrendSeeds))
	if err != nil {
		fatal("Failed to open trend store", err)
	}

	index := dedup.NewIndex(filepath.Join(cfg.DataDir, "processed_hashes.json"))
	if err := index.Init(); err != nil {
		fatal("Failed to open hash index", err)
	}
	if cfg.RedisAddr != "" {
		cache, err := dedup.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("Redis dedup cache unavailable, continuing on the JSON index", "error", err)
		} else {
			index.AttachCache(cache)
			defer cache.Close()
			logger.Info("Redis dedup cache attached", "addr", cfg.RedisAddr)
		}
	}

	// Event sinks: websocket hub always, postgres journal when configured.
	hub := NewEventHub(logger)
	go hub.Run(ctx)
	sinks := []progress.Sink{hub}
	if cfg.EventJournalDSN != "" {
		j, err := journal.NewPostgresJournal(ctx, cfg.EventJournalDSN)
		if err != nil {
			logger.Warn("Event journal unavailable, continuing without it", "error", err)
		} else {
			sinks = append(sinks, j)
			defer j.Close()
			logger.Info("Event journal attached")
		}
	}

	driver := NewDriver(cfg, fabric, ledger, store, machine, trendStore, index, logger, sinks...)
	machine.SetRecoveryCallback(func(projectID string) {
		driver.Launch(ctx, projectID)
	})

	var audio state.AudioChecker
	if cfg.AudioEnabled {
		audio = state.FileAudioChecker{}
	}
	heartbeat := state.NewHeartbeat(state.HeartbeatConfig{
		Store:        store,
		Machine:      machine,
		Interval:     cfg.HeartbeatInterval,
		Thresholds:   cfg.StaleThresholds,
		Audio:        audio,
		OnAudioReady: driver.AudioReady,
		Logger:       logger,
	})

	// The watcher must not accept work before the pool has sessions.
	if err := pool.WarmUp(ctx); err != nil {
		fatal("Session pool warm-up failed", err)
	}
	watcher := ingress.NewWatcher(ingress.Config{
		IncomingDir:  cfg.IncomingDir,
		ProcessedDir: cfg.ProcessedDir,
		Extensions:   []string{".md", ".txt", ".markdown"},
	}, driver.HandleDocument)
	if err := watcher.Start(ctx); err != nil {
		fatal("Failed to start ingress watcher", err)
	}
	heartbeat.Start(ctx)

	api := NewAPI(cfg, fabric, ledger, store, trendStore, index, hub, logger)
	go api.Start()

	logger.Info("Orchestrator running",
		"incoming", cfg.IncomingDir, "projects", cfg.ProjectsDir,
		"chain", chainString(cfg), "mock", cfg.MockMode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown signal received")

	// Stop taking work, let in-flight projects finish their stage runs,
	// then drain everything and emit the final cost report.
	watcher.Stop()
	heartbeat.Stop()
	driver.Wait()
	pool.Drain()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops API shutdown incomplete", "error", err)
	}

	final := ledger.Snapshot()
	if err := ledger.Close(); err != nil {
		logger.Warn("Failed to flush cost ledger", "error", err)
	}
	logger.Info("Final cost report",
		"total_tokens", final.TotalTokens,
		"api_calls", final.APICalls,
		"estimated_cost_usd", final.EstimatedCostUSD)
	logger.Info("Orchestrator stopped")
}

func modelNames(cfg *Config) []string {
	names := make([]string, len(cfg.ModelChain))
	for i, spec := range cfg.ModelChain {
		names[i] = spec.Name
	}
	return names
}

func chainString(cfg *Config) string {
	return strings.Join(modelNames(cfg), ",")
}

// devMockProvider answers every prompt shape the pipeline produces with a
// minimal valid payload, so MOCK_MODE exercises the full pipeline offline.
func devMockProvider() *llm.MockProvider {
	return llm.NewMockProvider().RespondAlways(func(model, prompt string) (*llm.Response, error) {
		switch {
		case strings.Contains(prompt, `"segments"`):
			return &llm.Response{Text: `{
				"title": "Mock Video",
				"summary": "A mock summary.",
				"segments": [
					{"timestamp": "00:00", "voiceover": "Welcome.", "visual_hint": "talking_head", "estimated_duration_seconds": 8},
					{"timestamp": "00:10", "voiceover": "The details.", "visual_hint": "diagram", "estimated_duration_seconds": 20}
				]
			}`}, nil
		case strings.Contains(prompt, `"regions"`):
			return &llm.Response{Text: `{
				"regions": {
					"us": {"title": "Mock Video", "description": "A mock description.", "tags": ["mock"]},
					"eu": {"title": "Mock Video", "description": "A mock description.", "tags": ["mock"]},
					"asia": {"title": "Mock Video", "description": "A mock description.", "tags": ["mock"]}
				}
			}`}, nil
		case strings.Contains(prompt, `"hooks"`):
			return &llm.Response{Text: `{
				"hooks": [{"text": "You will not believe this.", "emotional_trigger": "curiosity", "cta": "Watch now"}]
			}`}, nil
		default:
			return &llm.Response{Text: "Mock narration."}, nil
		}
	})
}
