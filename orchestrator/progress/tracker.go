package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/storyfab/storyfab/orchestrator/observability"
)

// Stage names the ordered pipeline stages.
type Stage string

const (
	StageInit             Stage = "INIT"
	StageScriptGeneration Stage = "SCRIPT_GENERATION"
	StageTrendAnalysis    Stage = "TREND_ANALYSIS"
	StageSEOGeneration    Stage = "SEO_GENERATION"
	StageShortsExtraction Stage = "SHORTS_EXTRACTION"
	StageVoiceMatching    Stage = "VOICE_MATCHING"
	StageAudioScript      Stage = "AUDIO_SCRIPT_GENERATION"
	StageManifestUpdate   Stage = "MANIFEST_UPDATE"
	StageFinalization     Stage = "FINALIZATION"
)

// Event is one structured observability record.
type Event struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	TraceID   string         `json:"trace_id"`
	Stage     string         `json:"stage,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
	StageMS   int64          `json:"stage_ms,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives every event. Publishing is best-effort; failures are logged
// and metered but never block the pipeline.
type Sink interface {
	Name() string
	Publish(e Event) error
}

// Tracker is the trace-scoped stage timer for one pipeline run.
type Tracker struct {
	projectID string
	traceID   string
	logger    *slog.Logger
	sinks     []Sink

	start      time.Time
	stageStart time.Time
	stage      Stage
}

// NewTracker starts the pipeline clock for one project.
func NewTracker(projectID, traceID string, logger *slog.Logger, sinks ...Sink) *Tracker {
	return &Tracker{
		projectID: projectID,
		traceID:   traceID,
		logger: logger.With(
			"component", "pipeline",
			"project_id", projectID,
			"trace_id", traceID),
		sinks: sinks,
		start: time.Now(),
	}
}

// PipelineStart emits the run's opening event.
func (t *Tracker) PipelineStart(fields map[string]any) {
	t.emit(slog.LevelInfo, "pipeline_start", "", 0, fields)
}

// StartStage begins timing a stage.
func (t *Tracker) StartStage(s Stage) {
	t.stage = s
	t.stageStart = time.Now()
	t.emit(slog.LevelInfo, "stage_start", s, 0, nil)
}

// CompleteStage closes the current stage, recording its duration.
func (t *Tracker) CompleteStage(fields map[string]any) {
	d := time.Since(t.stageStart)
	observability.StageDuration.WithLabelValues(string(t.stage)).Observe(d.Seconds())
	t.emit(slog.LevelInfo, "stage_complete", t.stage, d, fields)
}

// LogSubStep emits a progress marker inside the current stage.
func (t *Tracker) LogSubStep(name string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["sub_step"] = name
	t.emit(slog.LevelInfo, "sub_step", t.stage, time.Since(t.stageStart), fields)
}

// PipelineComplete emits the run's closing event.
func (t *Tracker) PipelineComplete(fields map[string]any) {
	observability.PipelineOutcomes.WithLabelValues("complete").Inc()
	t.emit(slog.LevelInfo, "pipeline_complete", "", 0, fields)
}

// PipelineError reports a failed run. Routed to stderr by the logger.
func (t *Tracker) PipelineError(stage Stage, err error) {
	observability.PipelineOutcomes.WithLabelValues("error").Inc()
	t.emit(slog.LevelError, "pipeline_error", stage, time.Since(t.stageStart), map[string]any{
		"error": err.Error(),
	})
}

func (t *Tracker) emit(level slog.Level, eventType string, stage Stage, stageDur time.Duration, fields map[string]any) {
	e := Event{
		Type:      eventType,
		ProjectID: t.projectID,
		TraceID:   t.traceID,
		Stage:     string(stage),
		ElapsedMS: time.Since(t.start).Milliseconds(),
		StageMS:   stageDur.Milliseconds(),
		Context:   fields,
		Timestamp: time.Now(),
	}

	attrs := []any{
		"event", e.Type,
		"stage", e.Stage,
		"elapsed_ms", e.ElapsedMS,
		"stage_ms", e.StageMS,
	}
	if fields != nil {
		attrs = append(attrs, "context", fields)
	}
	t.logger.Log(context.Background(), level, eventType, attrs...)

	for _, sink := range t.sinks {
		if err := sink.Publish(e); err != nil {
			observability.EventPublishFailures.WithLabelValues(sink.Name()).Inc()
			t.logger.Warn("Event publish failed", "sink", sink.Name(), "error", err)
		}
	}
}
