package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyfab/storyfab/orchestrator/content"
	"github.com/storyfab/storyfab/orchestrator/dedup"
	"github.com/storyfab/storyfab/orchestrator/faults"
	"github.com/storyfab/storyfab/orchestrator/ingress"
	"github.com/storyfab/storyfab/orchestrator/llm"
	"github.com/storyfab/storyfab/orchestrator/progress"
	"github.com/storyfab/storyfab/orchestrator/state"
	"github.com/storyfab/storyfab/orchestrator/trends"
)

type driverFixture struct {
	driver   *Driver
	store    *state.ManifestStore
	machine  *state.Machine
	index    *dedup.Index
	provider *llm.MockProvider
	base     string
}

func newDriverFixture(t *testing.T, provider *llm.MockProvider, audioEnabled bool) *driverFixture {
	t.Helper()
	base := t.TempDir()
	logger := progress.NewLogger("error")

	cfg := &Config{
		ModelChain: []llm.ModelSpec{
			{Name: "model-a"},
			{Name: "model-b"},
			{Name: "model-c", Strict: true},
		},
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		APITimeout:     5 * time.Second,
		AudioEnabled:   audioEnabled,
		AudioLanguages: []string{"en", "zh"},
	}

	pool := llm.NewSessionPool(llm.PoolConfig{
		Min:            1,
		Max:            2,
		AcquireTimeout: 2 * time.Second,
	}, llm.PoolHooks{
		Create: func(ctx context.Context) (*llm.Session, error) {
			return &llm.Session{ID: "s1", Provider: provider, CreatedAt: time.Now()}, nil
		},
	})
	require.NoError(t, pool.WarmUp(context.Background()))
	t.Cleanup(pool.Drain)

	queue := llm.NewAdmissionQueue(2, 8, true)
	limiter := llm.NewRateLimiter(1000, 1000, 0)
	ledger, err := llm.NewCostLedger(filepath.Join(base, "cost_report.json"), llm.DefaultPricing)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	fabric := llm.NewFabric(llm.FabricConfig{
		Chain:                   cfg.ModelChain,
		MaxRetries:              cfg.MaxRetries,
		BackoffBase:             cfg.BackoffBase,
		CallTimeout:             cfg.APITimeout,
		StrictHints:             content.StrictHints(),
		BreakerFailureThreshold: 100,
		BreakerResetTimeout:     time.Second,
		BreakerSuccessThreshold: 1,
	}, queue, limiter, pool, ledger, logger)

	store, err := state.NewManifestStore(filepath.Join(base, "projects"))
	require.NoError(t, err)
	machine, err := state.NewMachine(state.MachineConfig{
		Store:         store,
		Classifier:    faults.NewClassifier("gemini", "model-a", "model-b", "model-c"),
		Chain:         cfg.ModelChain,
		DeadLetterDir: filepath.Join(base, "dead-letter"),
		AlertsPath:    filepath.Join(base, "logs", "alerts.log"),
		Logger:        logger,
	})
	require.NoError(t, err)

	trendStore, err := trends.NewStore(filepath.Join(base, "trends.json"), trends.StaticSource{"golang", "ai"})
	require.NoError(t, err)
	index := dedup.NewIndex(filepath.Join(base, "hashes.json"))
	require.NoError(t, index.Init())

	driver := NewDriver(cfg, fabric, ledger, store, machine, trendStore, index, logger)
	machine.SetRecoveryCallback(func(projectID string) {
		driver.Launch(context.Background(), projectID)
	})
	return &driverFixture{
		driver:   driver,
		store:    store,
		machine:  machine,
		index:    index,
		provider: provider,
		base:     base,
	}
}

func (f *driverFixture) document(t *testing.T, name, body string) ingress.Document {
	t.Helper()
	path := filepath.Join(f.base, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return ingress.Analyze(path, body)
}

// onlyManifest returns the single project the driver created.
func (f *driverFixture) onlyManifest(t *testing.T) *state.Manifest {
	t.Helper()
	manifests, errs := f.store.List()
	require.Empty(t, errs)
	require.Len(t, manifests, 1)
	return manifests[0]
}

func TestPipelineHappyPathReachesRendering(t *testing.T) {
	f := newDriverFixture(t, devMockProvider(), false)
	doc := f.document(t, "doc.md", "A document about distributed systems and their failure modes.")

	require.NoError(t, f.driver.HandleDocument(context.Background(), doc))
	f.driver.Wait()

	m := f.onlyManifest(t)
	assert.Equal(t, state.StatusRendering, m.Status)

	require.NotNil(t, m.ContentEngine.Script)
	assert.Equal(t, "Mock Video", m.ContentEngine.Script.Title)
	assert.Len(t, m.ContentEngine.Script.Segments, 2)
	require.NotNil(t, m.ContentEngine.SEO)
	assert.Len(t, m.ContentEngine.SEO.Regions, 3)
	assert.Len(t, m.ContentEngine.Shorts, 1)
	assert.Equal(t, "en-US-Neural2-D", m.ContentEngine.Voice)

	require.NotNil(t, m.Meta.Cost)
	assert.Equal(t, int64(3), m.Meta.Cost.APICalls)
	assert.Positive(t, m.Meta.Cost.TotalTokens)

	// The source document is now remembered by the dedup index.
	res, err := f.index.IsProcessed(context.Background(), doc.Path)
	require.NoError(t, err)
	assert.True(t, res.Processed)
}

func TestPipelineSkipsDuplicateDocument(t *testing.T) {
	f := newDriverFixture(t, devMockProvider(), false)
	doc := f.document(t, "doc.md", "The same bytes twice over.")

	require.NoError(t, f.driver.HandleDocument(context.Background(), doc))
	f.driver.Wait()

	copied := f.document(t, "copy.md", "The same bytes twice over.")
	require.NoError(t, f.driver.HandleDocument(context.Background(), copied))
	f.driver.Wait()

	manifests, errs := f.store.List()
	require.Empty(t, errs)
	assert.Len(t, manifests, 1)
}

func TestPipelineAudioPathWritesNarrationFiles(t *testing.T) {
	f := newDriverFixture(t, devMockProvider(), true)
	doc := f.document(t, "doc.md", "A document that also wants narration audio.")

	require.NoError(t, f.driver.HandleDocument(context.Background(), doc))
	f.driver.Wait()

	m := f.onlyManifest(t)
	assert.Equal(t, state.StatusPendingAudio, m.Status)
	assert.Equal(t, map[string]string{"en": "pending", "zh": "pending"}, m.Meta.AudioSlots)
	require.Len(t, m.ContentEngine.AudioScripts, 2)

	// The native language reuses the voiceover verbatim.
	assert.Contains(t, m.ContentEngine.AudioScripts["en"], "Welcome.")

	for _, lang := range []string{"en", "zh"} {
		path := filepath.Join(f.store.Dir(m.ProjectID), "notebooklm_script_"+lang+".md")
		_, err := os.Stat(path)
		assert.NoError(t, err, "missing narration file for %s", lang)
	}
}

func TestPipelineAudioReadyAdvancesToRendering(t *testing.T) {
	f := newDriverFixture(t, devMockProvider(), true)
	doc := f.document(t, "doc.md", "Narrated content waiting on audio.")

	require.NoError(t, f.driver.HandleDocument(context.Background(), doc))
	f.driver.Wait()

	m := f.onlyManifest(t)
	f.driver.AudioReady(m.ProjectID)

	m, err := f.store.Load(m.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRendering, m.Status)
}

func TestPipelineProviderFailureParksProjectFailed(t *testing.T) {
	provider := llm.NewMockProvider().RespondAlways(func(model, prompt string) (*llm.Response, error) {
		return nil, errors.New("gemini error 429 RESOURCE_EXHAUSTED: quota exceeded")
	})
	f := newDriverFixture(t, provider, false)
	doc := f.document(t, "doc.md", "This run is doomed from the first call.")

	require.NoError(t, f.driver.HandleDocument(context.Background(), doc))
	f.driver.Wait()

	m := f.onlyManifest(t)
	assert.Equal(t, state.StatusFailed, m.Status)
	assert.Equal(t, 1, m.Meta.RetryCount)
	require.NotNil(t, m.Error)
	assert.Equal(t, string(progress.StageScriptGeneration), m.Error.Stage)
	require.NotNil(t, m.Meta.ErrorFingerprint)
	assert.Equal(t, faults.KindProviderAPI, m.Meta.ErrorFingerprint.Kind)
}

func TestPipelineSchemaViolationDegradesAndRecovers(t *testing.T) {
	mock := devMockProvider()
	// The head model answers the first script request with a payload the
	// schema rejects; the retry on the fallback model succeeds.
	bad := func(model, prompt string) (*llm.Response, error) {
		return &llm.Response{Text: `{
			"title": "Bad",
			"summary": "Broken hint.",
			"segments": [
				{"timestamp": "00:00", "voiceover": "Hi.", "visual_hint": "b_roll", "estimated_duration_seconds": 8}
			]
		}`}, nil
	}
	mock.Respond(bad)
	f := newDriverFixture(t, mock, false)
	doc := f.document(t, "doc.md", "Content that trips the schema once.")

	require.NoError(t, f.driver.HandleDocument(context.Background(), doc))
	f.driver.Wait()

	m := f.onlyManifest(t)
	assert.Equal(t, state.StatusRendering, m.Status)
	assert.Equal(t, "model-b", m.Meta.CurrentModel)
	assert.Equal(t, []string{"model-a"}, m.Meta.UsedModels)
	assert.True(t, m.Meta.IsFallbackMode)
	assert.Equal(t, 0, m.Meta.RetryCount)
	assert.Len(t, m.Meta.ErrorHistory, 1)
	assert.Equal(t, "invalid_enum_value", m.Meta.ErrorHistory[0].Code)
}

func TestHandleDocumentRecordsContentHash(t *testing.T) {
	f := newDriverFixture(t, devMockProvider(), false)
	body := "Hash me precisely."
	doc := f.document(t, "doc.md", body)

	require.NoError(t, f.driver.HandleDocument(context.Background(), doc))
	f.driver.Wait()

	m := f.onlyManifest(t)
	assert.Equal(t, dedup.HashBytes([]byte(body)), m.Meta.ContentHash)
	assert.Equal(t, doc.Path, m.InputSource.Path)
	assert.Equal(t, "en", m.InputSource.Language)
}
