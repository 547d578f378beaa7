// Package state owns every manifest. All mutation goes through the state
// machine and the manifest store; other components receive manifests by
// value or mutate through updater closures.
package state

import (
	"time"

	"github.com/storyfab/storyfab/orchestrator/content"
	"github.com/storyfab/storyfab/orchestrator/faults"
	"github.com/storyfab/storyfab/orchestrator/llm"
)

// Status drives the project state machine.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAnalyzing      Status = "analyzing"
	StatusPendingAudio   Status = "pending_audio"
	StatusRendering      Status = "rendering"
	StatusUploading      Status = "uploading"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusStaleRecovered Status = "stale_recovered"
	StatusDegradedRetry  Status = "degraded_retry"
	StatusDeadLetter     Status = "dead_letter"
)

// allowedTransitions is the authoritative table. An empty target set means
// the status is terminal.
var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusAnalyzing},
	StatusAnalyzing:      {StatusPendingAudio, StatusRendering, StatusFailed, StatusStaleRecovered, StatusDegradedRetry, StatusDeadLetter},
	StatusPendingAudio:   {StatusRendering, StatusFailed, StatusStaleRecovered, StatusDeadLetter},
	StatusRendering:      {StatusUploading, StatusFailed, StatusStaleRecovered, StatusDeadLetter},
	StatusUploading:      {StatusCompleted, StatusFailed, StatusStaleRecovered, StatusDeadLetter},
	StatusFailed:         {StatusPending, StatusDeadLetter},
	StatusStaleRecovered: {StatusPending},
	StatusDegradedRetry:  {StatusAnalyzing, StatusFailed, StatusDeadLetter},
	StatusCompleted:      {},
	StatusDeadLetter:     {},
}

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// InputSource is the immutable description of the triggering document.
type InputSource struct {
	Path           string `json:"path" validate:"required"`
	Content        string `json:"content"`
	Language       string `json:"language" validate:"required,oneof=en zh"`
	WordCount      int    `json:"word_count" validate:"gte=0"`
	ReadingTimeSec int    `json:"reading_time_sec" validate:"gte=0"`
}

// ErrorInfo is the last-known failure attached to a manifest.
type ErrorInfo struct {
	Stage             string    `json:"stage"`
	Message           string    `json:"message"`
	Retries           int       `json:"retries"`
	Timestamp         time.Time `json:"timestamp"`
	FallbackModelUsed string    `json:"fallback_model_used,omitempty"`
}

// Meta is the mutable accounting bag on every manifest.
type Meta struct {
	RetryCount         int                  `json:"retry_count" validate:"gte=0"`
	StaleRecoveryCount int                  `json:"stale_recovery_count" validate:"gte=0"`
	UsedModels         []string             `json:"used_models,omitempty"`
	CurrentModel       string               `json:"current_model,omitempty"`
	IsDegraded         bool                 `json:"is_degraded"`
	IsFallbackMode     bool                 `json:"is_fallback_mode"`
	IsDeadLetter       bool                 `json:"is_dead_letter"`
	Cost               *llm.CostSnapshot    `json:"cost,omitempty"`
	ErrorHistory       []faults.Fingerprint `json:"error_history,omitempty"`
	ErrorFingerprint   *faults.Fingerprint  `json:"error_fingerprint,omitempty"`
	ContentHash        string               `json:"content_hash,omitempty"`
	AudioSlots         map[string]string    `json:"audio_slots,omitempty"`
}

// Manifest is the durable record for one project and the hand-off artifact
// to downstream renderers. Exactly one per project id.
type Manifest struct {
	ProjectID     string         `json:"project_id" validate:"required"`
	TraceID       string         `json:"trace_id" validate:"required"`
	CreatedAt     time.Time      `json:"created_at" validate:"required"`
	UpdatedAt     time.Time      `json:"updated_at" validate:"required"`
	Status        Status         `json:"status" validate:"required,oneof=pending analyzing pending_audio rendering uploading completed failed stale_recovered degraded_retry dead_letter"`
	InputSource   InputSource    `json:"input_source"`
	Meta          Meta           `json:"meta"`
	ContentEngine content.Engine `json:"content_engine"`
	Error         *ErrorInfo     `json:"error,omitempty"`
}

// NewManifest creates a pending manifest for a fresh project.
func NewManifest(projectID, traceID string, input InputSource, model string) *Manifest {
	now := time.Now()
	return &Manifest{
		ProjectID:   projectID,
		TraceID:     traceID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusPending,
		InputSource: input,
		Meta:        Meta{CurrentModel: model},
	}
}
