package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/storyfab/storyfab/orchestrator/content"
	"github.com/storyfab/storyfab/orchestrator/dedup"
	"github.com/storyfab/storyfab/orchestrator/ingress"
	"github.com/storyfab/storyfab/orchestrator/llm"
	"github.com/storyfab/storyfab/orchestrator/observability"
	"github.com/storyfab/storyfab/orchestrator/progress"
	"github.com/storyfab/storyfab/orchestrator/state"
	"github.com/storyfab/storyfab/orchestrator/trends"
)

// Driver runs the per-project pipeline: nine sequential stages from a
// settled document to a renderer-ready manifest. Concurrency across
// projects is bounded by the fabric's admission queue; within a project
// stages never overlap.
type Driver struct {
	cfg     *Config
	fabric  *llm.Fabric
	ledger  *llm.CostLedger
	store   *state.ManifestStore
	machine *state.Machine
	trends  *trends.Store
	index   *dedup.Index
	sinks   []progress.Sink
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewDriver wires the driver. Call Wait before exiting to let in-flight
// projects finish their current stage run.
func NewDriver(cfg *Config, fabric *llm.Fabric, ledger *llm.CostLedger, store *state.ManifestStore,
	machine *state.Machine, trendStore *trends.Store, index *dedup.Index,
	logger *slog.Logger, sinks ...progress.Sink) *Driver {
	return &Driver{
		cfg:     cfg,
		fabric:  fabric,
		ledger:  ledger,
		store:   store,
		machine: machine,
		trends:  trendStore,
		index:   index,
		sinks:   sinks,
		logger:  logger.With("component", "driver"),
	}
}

// HandleDocument is the ingress handler: dedup check, project creation,
// then an asynchronous pipeline run.
func (d *Driver) HandleDocument(ctx context.Context, doc ingress.Document) error {
	check, err := d.index.IsProcessed(ctx, doc.Path)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if check.Processed {
		observability.IngressDuplicates.Inc()
		d.logger.Info("Duplicate document skipped",
			"path", doc.Path, "method", string(check.Method),
			"original_project", check.Existing.ProjectID)
		return nil
	}

	projectID := uuid.NewString()
	m := state.NewManifest(projectID, uuid.NewString(), state.InputSource{
		Path:           doc.Path,
		Content:        doc.Content,
		Language:       doc.Language,
		WordCount:      doc.WordCount,
		ReadingTimeSec: doc.ReadingTimeSec,
	}, d.fabric.Chain()[0].Name)
	m.Meta.ContentHash = dedup.HashBytes([]byte(doc.Content))
	if d.cfg.AudioEnabled {
		m.Meta.AudioSlots = make(map[string]string, len(d.cfg.AudioLanguages))
		for _, lang := range d.cfg.AudioLanguages {
			m.Meta.AudioSlots[lang] = "pending"
		}
	}
	if err := d.store.Create(m); err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	d.logger.Info("Project created",
		"project_id", projectID, "path", doc.Path, "language", doc.Language)

	d.Launch(ctx, projectID)
	return nil
}

// Launch starts (or re-enters) the pipeline for a project in its own
// goroutine. Used by ingress, the recovery callback and operator requeues.
func (d *Driver) Launch(ctx context.Context, projectID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, projectID)
	}()
}

// AudioReady advances a pending_audio project once every slot is ready.
func (d *Driver) AudioReady(projectID string) {
	if _, err := d.machine.Transition(projectID, state.StatusRendering); err != nil {
		d.logger.Error("Audio-ready transition failed", "project_id", projectID, "error", err)
	}
}

// Wait blocks until every launched run returns.
func (d *Driver) Wait() { d.wg.Wait() }

// run executes the stages. Any stage error is forwarded to the state
// machine, which decides between degrade, retry and dead-letter.
func (d *Driver) run(ctx context.Context, projectID string) {
	m, err := d.store.Load(projectID)
	if err != nil {
		d.logger.Error("Cannot load project", "project_id", projectID, "error", err)
		return
	}

	tracker := progress.NewTracker(projectID, m.TraceID, d.logger, d.sinks...)
	tracker.PipelineStart(map[string]any{
		"language":   m.InputSource.Language,
		"word_count": m.InputSource.WordCount,
		"model":      m.Meta.CurrentModel,
	})
	startSnapshot := d.ledger.Snapshot()

	fail := func(stage progress.Stage, err error) {
		tracker.PipelineError(stage, err)
		if herr := d.machine.HandleError(projectID, string(stage), err); herr != nil {
			d.logger.Error("Error handling failed",
				"project_id", projectID, "stage", string(stage), "error", herr)
		}
	}

	// INIT
	tracker.StartStage(progress.StageInit)
	if m.Status == state.StatusPending {
		if m, err = d.machine.Transition(projectID, state.StatusAnalyzing); err != nil {
			fail(progress.StageInit, err)
			return
		}
	} else if m.Status != state.StatusAnalyzing {
		d.logger.Warn("Project not runnable", "project_id", projectID, "status", string(m.Status))
		return
	}
	model := m.Meta.CurrentModel
	tracker.CompleteStage(map[string]any{"model": model, "degraded": m.Meta.IsDegraded})

	// SCRIPT_GENERATION
	tracker.StartStage(progress.StageScriptGeneration)
	script, err := content.GenerateScript(ctx, d.fabric, projectID, model,
		m.InputSource.Language, m.InputSource.Content)
	if err != nil {
		fail(progress.StageScriptGeneration, err)
		return
	}
	tracker.CompleteStage(map[string]any{"segments": len(script.Segments)})

	// TREND_ANALYSIS
	tracker.StartStage(progress.StageTrendAnalysis)
	hot, err := d.trends.GetHot(ctx, script.Title)
	if err != nil {
		fail(progress.StageTrendAnalysis, err)
		return
	}
	established := d.trends.Established()
	tracker.CompleteStage(map[string]any{"hot": len(hot), "established": len(established)})

	// SEO_GENERATION
	tracker.StartStage(progress.StageSEOGeneration)
	seo, err := content.GenerateSEO(ctx, d.fabric, projectID, model, script.Title, script.Summary, hot, established)
	if err != nil {
		fail(progress.StageSEOGeneration, err)
		return
	}
	tracker.CompleteStage(map[string]any{"regions": len(seo.Regions)})

	// SHORTS_EXTRACTION
	tracker.StartStage(progress.StageShortsExtraction)
	shorts, err := content.ExtractShorts(ctx, d.fabric, projectID, model, script)
	if err != nil {
		fail(progress.StageShortsExtraction, err)
		return
	}
	tracker.CompleteStage(map[string]any{"hooks": len(shorts)})

	// VOICE_MATCHING
	tracker.StartStage(progress.StageVoiceMatching)
	voice := content.MatchVoice(m.InputSource.Language)
	tracker.CompleteStage(map[string]any{"voice": voice})

	// AUDIO_SCRIPT_GENERATION (only with the audio collaborator enabled)
	var audioScripts map[string]string
	if d.cfg.AudioEnabled {
		tracker.StartStage(progress.StageAudioScript)
		audioScripts, err = content.GenerateAudioScripts(ctx, d.fabric, projectID, model, script, d.cfg.AudioLanguages)
		if err != nil {
			fail(progress.StageAudioScript, err)
			return
		}
		tracker.CompleteStage(map[string]any{"languages": len(audioScripts)})
	}

	// MANIFEST_UPDATE
	tracker.StartStage(progress.StageManifestUpdate)
	delta := d.ledger.Snapshot().Sub(startSnapshot)
	if _, err := d.store.Update(projectID, func(m *state.Manifest) error {
		m.ContentEngine.Script = script
		m.ContentEngine.SEO = seo
		m.ContentEngine.Shorts = shorts
		m.ContentEngine.Voice = voice
		m.ContentEngine.AudioScripts = audioScripts
		m.Meta.Cost = &delta
		return nil
	}); err != nil {
		fail(progress.StageManifestUpdate, err)
		return
	}
	if err := d.writeAudioScripts(projectID, audioScripts); err != nil {
		fail(progress.StageManifestUpdate, err)
		return
	}
	tracker.CompleteStage(map[string]any{"tokens_used": delta.TotalTokens})

	// FINALIZATION
	tracker.StartStage(progress.StageFinalization)
	next := state.StatusRendering
	if d.cfg.AudioEnabled {
		next = state.StatusPendingAudio
	}
	if _, err := d.machine.Transition(projectID, next); err != nil {
		fail(progress.StageFinalization, err)
		return
	}
	hash := dedup.HashBytes([]byte(m.InputSource.Content))
	if err := d.index.MarkProcessed(ctx, m.InputSource.Path, hash, projectID); err != nil {
		d.logger.Warn("Failed to record processed hash", "project_id", projectID, "error", err)
	}
	tracker.CompleteStage(map[string]any{"status": string(next)})

	tracker.PipelineComplete(map[string]any{
		"tokens_used": delta.TotalTokens,
		"api_calls":   delta.APICalls,
		"cost_usd":    delta.EstimatedCostUSD,
	})
}

// writeAudioScripts drops one narration file per language next to the
// manifest for the audio collaborator to pick up.
func (d *Driver) writeAudioScripts(projectID string, scripts map[string]string) error {
	if len(scripts) == 0 {
		return nil
	}
	dir := d.store.Dir(projectID)
	for lang, text := range scripts {
		name := fmt.Sprintf("notebooklm_script_%s.md", lang)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
			return fmt.Errorf("write audio script %s: %w", lang, err)
		}
	}
	return nil
}
