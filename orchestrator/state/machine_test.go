package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyfab/storyfab/orchestrator/faults"
	"github.com/storyfab/storyfab/orchestrator/llm"
)

type captureDispatcher struct {
	mu     sync.Mutex
	alerts []Alert
}

func (d *captureDispatcher) Dispatch(a Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T) (*Machine, *ManifestStore, *captureDispatcher, string) {
	t.Helper()
	base := t.TempDir()
	store, err := NewManifestStore(filepath.Join(base, "projects"))
	require.NoError(t, err)

	disp := &captureDispatcher{}
	m, err := NewMachine(MachineConfig{
		Store:      store,
		Classifier: faults.NewClassifier("gemini"),
		Chain: []llm.ModelSpec{
			{Name: "model-a"},
			{Name: "model-b"},
			{Name: "model-c", Strict: true},
		},
		DeadLetterDir: filepath.Join(base, "dead-letter"),
		AlertsPath:    filepath.Join(base, "logs", "alerts.log"),
		Dispatcher:    disp,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	return m, store, disp, base
}

func newBudgetMachine(t *testing.T, maxRetries, maxStaleRecoveries int) (*Machine, *ManifestStore) {
	t.Helper()
	base := t.TempDir()
	store, err := NewManifestStore(filepath.Join(base, "projects"))
	require.NoError(t, err)

	m, err := NewMachine(MachineConfig{
		Store:              store,
		Classifier:         faults.NewClassifier("gemini"),
		Chain:              []llm.ModelSpec{{Name: "model-a"}, {Name: "model-b"}},
		DeadLetterDir:      filepath.Join(base, "dead-letter"),
		AlertsPath:         filepath.Join(base, "logs", "alerts.log"),
		MaxRetries:         maxRetries,
		MaxStaleRecoveries: maxStaleRecoveries,
		Logger:             discardLogger(),
	})
	require.NoError(t, err)
	return m, store
}

func startedProject(t *testing.T, sm *Machine, store *ManifestStore, id string) {
	t.Helper()
	require.NoError(t, store.Create(testManifest(id)))
	_, err := sm.Transition(id, StatusAnalyzing)
	require.NoError(t, err)
}

func TestTransitionEnforcesTable(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	require.NoError(t, store.Create(testManifest("p1")))

	_, err := sm.Transition("p1", StatusRendering)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	m, err := sm.Transition("p1", StatusAnalyzing)
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, m.Status)
}

func TestHandleErrorBurnsRetryAndParksFailed(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	require.NoError(t, sm.HandleError("p1", "SCRIPT_GENERATION", errors.New("something odd")))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, 1, m.Meta.RetryCount)
	require.NotNil(t, m.Error)
	assert.Equal(t, "SCRIPT_GENERATION", m.Error.Stage)
	require.NotNil(t, m.Meta.ErrorFingerprint)
	assert.Equal(t, faults.KindUnknown, m.Meta.ErrorFingerprint.Kind)
	assert.Len(t, m.Meta.ErrorHistory, 1)
}

func TestHandleErrorDeadLettersAfterRetryBudget(t *testing.T) {
	sm, store, disp, base := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	cause := errors.New("gemini error 429 RESOURCE_EXHAUSTED: quota hit")
	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, sm.HandleError("p1", "SEO_GENERATION", cause))
		m, err := store.Load("p1")
		require.NoError(t, err)
		if m.Status == StatusDeadLetter {
			break
		}
		require.Equal(t, StatusFailed, m.Status)
		_, err = sm.Transition("p1", StatusPending)
		require.NoError(t, err)
		_, err = sm.Transition("p1", StatusAnalyzing)
		require.NoError(t, err)
	}

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, m.Status)
	assert.True(t, m.Meta.IsDeadLetter)
	assert.Equal(t, MaxRetries, m.Meta.RetryCount)

	// Frozen snapshot lands in the dead-letter directory.
	entries, err := os.ReadDir(filepath.Join(base, "dead-letter"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "p1_"))

	// One critical NDJSON alert line, also handed to the dispatcher.
	raw, err := os.ReadFile(filepath.Join(base, "logs", "alerts.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	var alert Alert
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &alert))
	assert.Equal(t, "p1", alert.ProjectID)
	assert.Equal(t, "critical", alert.Severity)
	require.Len(t, disp.alerts, 1)
	assert.Equal(t, alert.Reason, disp.alerts[0].Reason)
}

func TestConfiguredRetryBudgetDeadLettersEarly(t *testing.T) {
	sm, store := newBudgetMachine(t, 1, 0)
	startedProject(t, sm, store, "p1")

	require.NoError(t, sm.HandleError("p1", "SCRIPT_GENERATION", errors.New("boom")))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, m.Status)
	assert.Equal(t, 1, m.Meta.RetryCount)
}

func TestConfiguredRetryBudgetAllowsExtraRetries(t *testing.T) {
	sm, store := newBudgetMachine(t, 5, 0)
	startedProject(t, sm, store, "p1")

	// Burn four retries; a default budget would have dead-lettered at three.
	for i := 0; i < 4; i++ {
		require.NoError(t, sm.HandleError("p1", "SCRIPT_GENERATION", errors.New("boom")))
		m, err := store.Load("p1")
		require.NoError(t, err)
		require.Equal(t, StatusFailed, m.Status)
		_, err = sm.Transition("p1", StatusPending)
		require.NoError(t, err)
		_, err = sm.Transition("p1", StatusAnalyzing)
		require.NoError(t, err)
	}

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, m.Status)
	assert.Equal(t, 4, m.Meta.RetryCount)
}

func TestConfiguredStaleRecoveryCap(t *testing.T) {
	sm, store := newBudgetMachine(t, 0, 1)
	startedProject(t, sm, store, "p1")

	require.NoError(t, sm.RecoverStale("p1"))
	m, err := store.Load("p1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, m.Status)
	require.Equal(t, 1, m.Meta.StaleRecoveryCount)

	// Cap of one: the second rescue parks the project instead.
	_, err = sm.Transition("p1", StatusAnalyzing)
	require.NoError(t, err)
	require.NoError(t, sm.RecoverStale("p1"))

	m, err = store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)
}

func TestHandleErrorDegradesOnSchemaViolation(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	var recovered []string
	sm.SetRecoveryCallback(func(id string) { recovered = append(recovered, id) })

	cause := fmt.Errorf("parse script: %w", &faults.SchemaError{
		Code: "invalid_enum_value", Path: "segments.0.visual_hint", Message: "bad hint",
	})
	require.NoError(t, sm.HandleError("p1", "SCRIPT_GENERATION", cause))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, m.Status)
	assert.Equal(t, "model-b", m.Meta.CurrentModel)
	assert.Equal(t, []string{"model-a"}, m.Meta.UsedModels)
	assert.True(t, m.Meta.IsFallbackMode)
	assert.False(t, m.Meta.IsDegraded)
	assert.Equal(t, 0, m.Meta.RetryCount)
	assert.Equal(t, []string{"p1"}, recovered)
}

func TestDegradeMarksStrictTailModel(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	_, err := store.Update("p1", func(m *Manifest) error {
		m.Meta.UsedModels = []string{"model-a"}
		m.Meta.CurrentModel = "model-b"
		m.Meta.IsFallbackMode = true
		return nil
	})
	require.NoError(t, err)

	cause := &faults.SchemaError{Code: "too_big", Path: "title", Message: "over limit"}
	require.NoError(t, sm.HandleError("p1", "SEO_GENERATION", cause))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, "model-c", m.Meta.CurrentModel)
	assert.True(t, m.Meta.IsDegraded)
	assert.Equal(t, []string{"model-a", "model-b"}, m.Meta.UsedModels)
}

func TestDegradeDeadLettersWhenChainExhausted(t *testing.T) {
	sm, store, _, base := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	_, err := store.Update("p1", func(m *Manifest) error {
		m.Meta.UsedModels = []string{"model-a", "model-b"}
		m.Meta.CurrentModel = "model-c"
		m.Meta.IsFallbackMode = true
		m.Meta.IsDegraded = true
		return nil
	})
	require.NoError(t, err)

	cause := &faults.SchemaError{Code: "invalid_type", Path: "segments", Message: "not an array"}
	require.NoError(t, sm.HandleError("p1", "SCRIPT_GENERATION", cause))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, m.Status)

	entries, err := os.ReadDir(filepath.Join(base, "dead-letter"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProviderQuotaErrorDoesNotDegrade(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	require.NoError(t, sm.HandleError("p1", "SCRIPT_GENERATION",
		errors.New("gemini error 429 RESOURCE_EXHAUSTED: quota exceeded")))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, "model-a", m.Meta.CurrentModel)
	assert.False(t, m.Meta.IsFallbackMode)
}

func TestRequeueFiresRecoveryCallback(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")
	require.NoError(t, sm.HandleError("p1", "SCRIPT_GENERATION", errors.New("boom")))

	var recovered []string
	sm.SetRecoveryCallback(func(id string) { recovered = append(recovered, id) })

	require.NoError(t, sm.Requeue("p1"))
	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, []string{"p1"}, recovered)
}

func TestRecoverStaleRequeuesAndCounts(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	var recovered []string
	sm.SetRecoveryCallback(func(id string) { recovered = append(recovered, id) })

	require.NoError(t, sm.RecoverStale("p1"))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 1, m.Meta.StaleRecoveryCount)
	assert.Equal(t, []string{"p1"}, recovered)
}

func TestRecoverStaleCapParksFailed(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")

	_, err := store.Update("p1", func(m *Manifest) error {
		m.Meta.StaleRecoveryCount = MaxStaleRecoveryCount
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sm.RecoverStale("p1"))

	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)
	require.NotNil(t, m.Error)
	assert.Equal(t, "heartbeat", m.Error.Stage)
}

func TestRecoverStaleIgnoresTerminalProjects(t *testing.T) {
	sm, store, _, _ := newTestMachine(t)
	startedProject(t, sm, store, "p1")
	_, err := sm.Transition("p1", StatusRendering)
	require.NoError(t, err)
	_, err = sm.Transition("p1", StatusUploading)
	require.NoError(t, err)
	_, err = sm.Transition("p1", StatusCompleted)
	require.NoError(t, err)

	require.NoError(t, sm.RecoverStale("p1"))
	m, err := store.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, m.Status)
	assert.Equal(t, 0, m.Meta.StaleRecoveryCount)
}
