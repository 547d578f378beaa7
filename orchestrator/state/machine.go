package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/storyfab/storyfab/orchestrator/faults"
	"github.com/storyfab/storyfab/orchestrator/llm"
	"github.com/storyfab/storyfab/orchestrator/observability"
)

const (
	// MaxRetries is the default per-project retry budget before
	// dead-lettering.
	MaxRetries = 3
	// MaxStaleRecoveryCount is the default cap on automatic stale rescues
	// per project.
	MaxStaleRecoveryCount = 3
)

// ErrInvalidTransition is wrapped by Transition on table violations.
var ErrInvalidTransition = errors.New("invalid status transition")

// Alert is the record appended to the alert log when a project is
// dead-lettered.
type Alert struct {
	ProjectID   string              `json:"project_id"`
	TraceID     string              `json:"trace_id"`
	Reason      string              `json:"reason"`
	Fingerprint *faults.Fingerprint `json:"fingerprint,omitempty"`
	RetryCount  int                 `json:"retry_count"`
	UsedModels  []string            `json:"used_models,omitempty"`
	Severity    string              `json:"severity"`
	Timestamp   time.Time           `json:"timestamp"`
}

// AlertDispatcher forwards critical alerts to an external channel. The
// default dispatcher only logs; wiring a pager is an operator concern.
type AlertDispatcher interface {
	Dispatch(a Alert) error
}

// NopDispatcher satisfies AlertDispatcher without side effects.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(Alert) error { return nil }

// RecoveryCallback re-enqueues a project that went back to pending.
type RecoveryCallback func(projectID string)

// MachineConfig wires a Machine. MaxRetries and MaxStaleRecoveries default
// to the package constants when left zero.
type MachineConfig struct {
	Store              *ManifestStore
	Classifier         *faults.Classifier
	Chain              []llm.ModelSpec
	DeadLetterDir      string
	AlertsPath         string
	MaxRetries         int
	MaxStaleRecoveries int
	Dispatcher         AlertDispatcher
	Logger             *slog.Logger
}

// Machine enforces the transition table and owns the failure policy:
// retries, model degradation and dead-lettering.
type Machine struct {
	store              *ManifestStore
	classifier         *faults.Classifier
	chain              []llm.ModelSpec
	deadLetterDir      string
	alertsPath         string
	maxRetries         int
	maxStaleRecoveries int
	dispatcher         AlertDispatcher
	logger             *slog.Logger

	mu          sync.Mutex
	onRecovered RecoveryCallback
}

// NewMachine builds a machine. DeadLetterDir and the alerts log directory
// are created eagerly so dead-lettering cannot fail on mkdir at the worst
// moment.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if err := os.MkdirAll(cfg.DeadLetterDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AlertsPath), 0o755); err != nil {
		return nil, err
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NopDispatcher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = MaxRetries
	}
	if cfg.MaxStaleRecoveries <= 0 {
		cfg.MaxStaleRecoveries = MaxStaleRecoveryCount
	}
	cfg.Store.SetRetryLimit(cfg.MaxRetries)
	return &Machine{
		store:              cfg.Store,
		classifier:         cfg.Classifier,
		chain:              cfg.Chain,
		deadLetterDir:      cfg.DeadLetterDir,
		alertsPath:         cfg.AlertsPath,
		maxRetries:         cfg.MaxRetries,
		maxStaleRecoveries: cfg.MaxStaleRecoveries,
		dispatcher:         cfg.Dispatcher,
		logger:             cfg.Logger.With("component", "state_machine"),
	}, nil
}

// SetRecoveryCallback registers the re-enqueue hook. Set once at wiring
// time, before the heartbeat starts.
func (sm *Machine) SetRecoveryCallback(cb RecoveryCallback) {
	sm.mu.Lock()
	sm.onRecovered = cb
	sm.mu.Unlock()
}

func (sm *Machine) recovered(projectID string) {
	sm.mu.Lock()
	cb := sm.onRecovered
	sm.mu.Unlock()
	if cb != nil {
		cb(projectID)
	}
}

// Transition moves the project to target, enforcing the table, and
// persists the result.
func (sm *Machine) Transition(projectID string, target Status) (*Manifest, error) {
	m, err := sm.store.Update(projectID, func(m *Manifest) error {
		if !CanTransition(m.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, target)
		}
		if target == StatusDeadLetter {
			m.Meta.IsDeadLetter = true
		}
		m.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	sm.logger.Info("Status transition", "project_id", projectID, "status", target)
	return m, nil
}

// HandleError records a stage failure and applies the failure policy:
// degrade to the next model when the fingerprint warrants it, otherwise
// burn a retry; exhausting either path dead-letters the project.
func (sm *Machine) HandleError(projectID, stage string, cause error) error {
	fp := sm.classifier.Classify(cause)

	m, err := sm.store.Update(projectID, func(m *Manifest) error {
		m.Meta.ErrorHistory = append(m.Meta.ErrorHistory, fp)
		m.Meta.ErrorFingerprint = &fp
		info := &ErrorInfo{
			Stage:     stage,
			Message:   cause.Error(),
			Retries:   m.Meta.RetryCount,
			Timestamp: time.Now(),
		}
		if m.Meta.IsFallbackMode {
			info.FallbackModelUsed = m.Meta.CurrentModel
		}
		m.Error = info
		return nil
	})
	if err != nil {
		return err
	}

	sm.logger.Error("Stage failed",
		"project_id", projectID, "stage", stage,
		"kind", string(fp.Kind), "code", fp.Code, "error", cause)

	if faults.ShouldDegrade(fp, len(m.Meta.UsedModels), len(sm.chain)) {
		return sm.degrade(m, stage)
	}
	return sm.retryOrDeadLetter(m, "retries exhausted at stage "+stage)
}

// degrade advances to the next unused model in the chain and re-runs the
// project from analyzing. No unused model left means dead-letter.
func (sm *Machine) degrade(m *Manifest, stage string) error {
	next, ok := sm.nextModel(m)
	if !ok {
		return sm.deadLetter(m.ProjectID, "fallback chain exhausted at stage "+stage)
	}

	if _, err := sm.Transition(m.ProjectID, StatusDegradedRetry); err != nil {
		return err
	}
	_, err := sm.store.Update(m.ProjectID, func(m *Manifest) error {
		m.Meta.UsedModels = append(m.Meta.UsedModels, m.Meta.CurrentModel)
		m.Meta.CurrentModel = next.Name
		m.Meta.IsFallbackMode = true
		m.Meta.IsDegraded = next.Strict
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := sm.Transition(m.ProjectID, StatusAnalyzing); err != nil {
		return err
	}
	sm.logger.Warn("Degraded to fallback model",
		"project_id", m.ProjectID, "model", next.Name, "strict", next.Strict)
	sm.recovered(m.ProjectID)
	return nil
}

// nextModel picks the first chain entry not yet recorded in used_models
// and distinct from the current one.
func (sm *Machine) nextModel(m *Manifest) (llm.ModelSpec, bool) {
	used := make(map[string]bool, len(m.Meta.UsedModels)+1)
	for _, name := range m.Meta.UsedModels {
		used[name] = true
	}
	used[m.Meta.CurrentModel] = true
	for _, spec := range sm.chain {
		if !used[spec.Name] {
			return spec, true
		}
	}
	return llm.ModelSpec{}, false
}

// retryOrDeadLetter burns one retry. Hitting the budget dead-letters;
// otherwise the project parks in failed for the heartbeat or an operator
// to re-enqueue.
func (sm *Machine) retryOrDeadLetter(m *Manifest, reason string) error {
	updated, err := sm.store.Update(m.ProjectID, func(m *Manifest) error {
		m.Meta.RetryCount++
		return nil
	})
	if err != nil {
		return err
	}
	if updated.Meta.RetryCount >= sm.maxRetries {
		return sm.deadLetter(m.ProjectID, reason)
	}
	if _, err := sm.Transition(m.ProjectID, StatusFailed); err != nil {
		return err
	}
	return nil
}

// Requeue moves a failed project back to pending and fires the recovery
// callback. Used by operators and by the retry path.
func (sm *Machine) Requeue(projectID string) error {
	if _, err := sm.Transition(projectID, StatusPending); err != nil {
		return err
	}
	sm.recovered(projectID)
	return nil
}

// deadLetter terminally parks the project: status flip, a frozen snapshot
// under the dead-letter directory and a critical alert line.
func (sm *Machine) deadLetter(projectID, reason string) error {
	m, err := sm.Transition(projectID, StatusDeadLetter)
	if err != nil {
		return err
	}
	observability.DeadLetters.Inc()

	snapshot, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%d.json", projectID, time.Now().Unix())
	if err := os.WriteFile(filepath.Join(sm.deadLetterDir, name), snapshot, 0o644); err != nil {
		return fmt.Errorf("dead-letter snapshot: %w", err)
	}

	alert := Alert{
		ProjectID:   m.ProjectID,
		TraceID:     m.TraceID,
		Reason:      reason,
		Fingerprint: m.Meta.ErrorFingerprint,
		RetryCount:  m.Meta.RetryCount,
		UsedModels:  m.Meta.UsedModels,
		Severity:    "critical",
		Timestamp:   time.Now(),
	}
	if err := sm.appendAlert(alert); err != nil {
		sm.logger.Error("Failed to append alert", "project_id", projectID, "error", err)
	}
	if err := sm.dispatcher.Dispatch(alert); err != nil {
		sm.logger.Error("Alert dispatch failed", "project_id", projectID, "error", err)
	}

	sm.logger.Error("Project dead-lettered",
		"project_id", projectID, "reason", reason, "retry_count", m.Meta.RetryCount)
	return nil
}

func (sm *Machine) appendAlert(a Alert) error {
	line, err := json.Marshal(a)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(sm.alertsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// RecoverStale rescues a project whose heartbeat found it stuck. Projects
// past the rescue cap go to failed instead of looping forever.
func (sm *Machine) RecoverStale(projectID string) error {
	m, err := sm.store.Load(projectID)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		return nil
	}

	if m.Meta.StaleRecoveryCount >= sm.maxStaleRecoveries {
		sm.logger.Error("Stale recovery cap reached",
			"project_id", projectID, "count", m.Meta.StaleRecoveryCount)
		_, err := sm.store.Update(projectID, func(m *Manifest) error {
			if !CanTransition(m.Status, StatusFailed) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusFailed)
			}
			m.Status = StatusFailed
			m.Error = &ErrorInfo{
				Stage:     "heartbeat",
				Message:   "exceeded stale recovery limit",
				Retries:   m.Meta.RetryCount,
				Timestamp: time.Now(),
			}
			return nil
		})
		return err
	}

	if _, err := sm.Transition(projectID, StatusStaleRecovered); err != nil {
		return err
	}
	if _, err := sm.store.Update(projectID, func(m *Manifest) error {
		m.Meta.StaleRecoveryCount++
		return nil
	}); err != nil {
		return err
	}
	if _, err := sm.Transition(projectID, StatusPending); err != nil {
		return err
	}
	observability.StaleRecoveries.Inc()
	sm.logger.Warn("Recovered stale project", "project_id", projectID)
	sm.recovered(projectID)
	return nil
}
