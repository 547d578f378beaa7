package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FabricAttempts counts individual provider attempts by model and outcome.
	FabricAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyfab_fabric_attempts_total",
		Help: "Provider call attempts made by the LLM fabric",
	}, []string{"model", "outcome"})

	// FabricFallbacks counts generations that ran past the preferred model.
	FabricFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfab_fabric_fallbacks_total",
		Help: "Generations served by a fallback model",
	})

	// AdmissionQueueDepth tracks parked waiters by priority.
	AdmissionQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storyfab_admission_queue_depth",
		Help: "Current number of callers parked in the admission queue",
	}, []string{"priority"})

	// AdmissionWaitSeconds tracks time spent waiting for admission.
	AdmissionWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyfab_admission_wait_seconds",
		Help:    "Time callers wait in the admission queue",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"priority"})

	// BreakerState reports each model breaker (0=closed, 1=open, 2=half_open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storyfab_breaker_state",
		Help: "Circuit breaker state per model (0=closed, 1=open, 2=half_open)",
	}, []string{"model"})

	// TokensTotal counts tokens recorded to the cost ledger.
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyfab_tokens_total",
		Help: "Tokens recorded to the cost ledger",
	}, []string{"model"})

	// APICallsTotal counts ledger-recorded provider calls.
	APICallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfab_api_calls_total",
		Help: "Provider calls recorded to the cost ledger",
	})

	// EstimatedCostUSD mirrors the global ledger dollar estimate.
	EstimatedCostUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyfab_estimated_cost_usd",
		Help: "Estimated cumulative provider spend in USD",
	})

	// StageDuration tracks per-stage pipeline latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyfab_stage_duration_seconds",
		Help:    "Pipeline stage execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	// PipelineOutcomes counts finished pipelines by outcome.
	PipelineOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyfab_pipeline_outcomes_total",
		Help: "Completed pipeline runs by outcome",
	}, []string{"outcome"})

	// IngressAccepted counts documents accepted by the watcher.
	IngressAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyfab_ingress_accepted_total",
		Help: "Documents accepted from the incoming directory",
	}, []string{"language"})

	// IngressDuplicates counts documents rejected by the hash index.
	IngressDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfab_ingress_duplicates_total",
		Help: "Documents skipped as already-processed duplicates",
	})

	// DeadLetters counts projects moved to the dead-letter state.
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfab_dead_letters_total",
		Help: "Projects terminated into dead-letter",
	})

	// StaleRecoveries counts heartbeat-driven stale recoveries.
	StaleRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfab_stale_recoveries_total",
		Help: "Stale projects recovered by the heartbeat",
	})

	// ActiveProjects tracks manifests in a non-terminal status.
	ActiveProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyfab_active_projects",
		Help: "Manifests currently in a non-terminal status",
	})

	// TrendEntries tracks trend store population by authority.
	TrendEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storyfab_trend_entries",
		Help: "Trend entries by derived authority",
	}, []string{"authority"})

	// WSClients tracks connected event-stream clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyfab_ws_clients",
		Help: "Connected websocket event-stream clients",
	})

	// EventPublishFailures counts best-effort sink publish failures.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyfab_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"sink"})
)
