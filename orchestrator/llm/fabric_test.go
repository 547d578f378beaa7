package llm

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T, provider Provider, chain []ModelSpec, hints string) (*Fabric, *CostLedger) {
	t.Helper()
	ledger, err := NewCostLedger(filepath.Join(t.TempDir(), "cost.json"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	pool := NewSessionPool(PoolConfig{Min: 1, Max: 2, AcquireTimeout: time.Second}, PoolHooks{
		Create: func(ctx context.Context) (*Session, error) {
			return &Session{ID: "test", Provider: provider, CreatedAt: time.Now()}, nil
		},
	})
	t.Cleanup(pool.Drain)
	require.NoError(t, pool.WarmUp(context.Background()))

	f := NewFabric(FabricConfig{
		Chain:                   chain,
		MaxRetries:              3,
		BackoffBase:             time.Millisecond,
		StrictHints:             hints,
		BreakerFailureThreshold: 100,
		BreakerResetTimeout:     time.Minute,
		BreakerSuccessThreshold: 1,
	}, NewAdmissionQueue(2, 4, true), NewRateLimiter(100, 100, 0.1), pool, ledger, slog.Default())
	return f, ledger
}

var testChain = []ModelSpec{
	{Name: "model-a"},
	{Name: "model-b"},
	{Name: "model-c", Strict: true},
}

func TestFabricGenerateHappyPath(t *testing.T) {
	mock := NewMockProvider().RespondAlways(func(model, prompt string) (*Response, error) {
		return &Response{Text: "```json\n{\"ok\":true}\n```"}, nil
	})
	f, ledger := newTestFabric(t, mock, testChain, "")

	res, err := f.Generate(context.Background(), GenerateRequest{
		ProjectID: "p1", Prompt: "hello", Priority: PriorityHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, res.Text)
	assert.Equal(t, "model-a", res.ModelUsed)
	assert.False(t, res.IsFallbackMode)
	assert.Equal(t, (len("hello")+len(`{"ok":true}`)+3)/4, res.TokensUsed)

	snap := ledger.Snapshot()
	assert.Equal(t, int64(1), snap.APICalls)
	assert.Equal(t, int64(res.TokensUsed), snap.TotalTokens)

	// The head model gets the prompt verbatim.
	assert.Equal(t, "hello", mock.Requests[0])
}

func TestFabricPrefersProviderUsage(t *testing.T) {
	mock := NewMockProvider().RespondAlways(func(model, prompt string) (*Response, error) {
		return &Response{Text: "ok", Usage: &Usage{PromptTokens: 40, OutputTokens: 10}}, nil
	})
	f, _ := newTestFabric(t, mock, testChain, "")

	res, err := f.Generate(context.Background(), GenerateRequest{ProjectID: "p1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 50, res.TokensUsed)
}

func TestFabricFallsBackAfterRetriesExhausted(t *testing.T) {
	mock := NewMockProvider().RespondAlways(func(model, prompt string) (*Response, error) {
		if model == "model-a" {
			return nil, errors.New("boom")
		}
		return &Response{Text: "recovered"}, nil
	})
	f, _ := newTestFabric(t, mock, testChain, "")

	res, err := f.Generate(context.Background(), GenerateRequest{
		ProjectID: "p1", Prompt: "hello", Priority: PriorityMedium,
	})
	require.NoError(t, err)

	assert.Equal(t, "model-b", res.ModelUsed)
	assert.True(t, res.IsFallbackMode)
	// Three failed attempts on the head, then one success on the fallback.
	assert.Equal(t, 4, mock.Calls())

	// Fallback slots get the degraded directive prepended.
	last := mock.Requests[len(mock.Requests)-1]
	assert.True(t, strings.HasPrefix(last, "IMPORTANT OUTPUT RULES:"))
	assert.True(t, strings.HasSuffix(last, "hello"))
}

func TestFabricStrictModelGetsSchemaHints(t *testing.T) {
	mock := NewMockProvider().RespondAlways(func(model, prompt string) (*Response, error) {
		if model != "model-c" {
			return nil, errors.New("boom")
		}
		return &Response{Text: "ok"}, nil
	})
	f, _ := newTestFabric(t, mock, testChain, "SCHEMA LIMITS: none")

	res, err := f.Generate(context.Background(), GenerateRequest{ProjectID: "p1", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "model-c", res.ModelUsed)

	last := mock.Requests[len(mock.Requests)-1]
	assert.Contains(t, last, "SCHEMA LIMITS: none")
	// Non-strict fallback prompts never carry the hints.
	assert.NotContains(t, mock.Requests[3], "SCHEMA LIMITS")
}

func TestFabricPreferredModelSkipsChainHead(t *testing.T) {
	mock := NewMockProvider()
	f, _ := newTestFabric(t, mock, testChain, "")

	res, err := f.Generate(context.Background(), GenerateRequest{
		ProjectID: "p1", Prompt: "hello", PreferredModel: "model-b",
	})
	require.NoError(t, err)
	assert.Equal(t, "model-b", res.ModelUsed)
	assert.True(t, res.IsFallbackMode)
}

func TestFabricAllModelsFailed(t *testing.T) {
	mock := NewMockProvider().RespondAlways(func(model, prompt string) (*Response, error) {
		return nil, errors.New("down")
	})
	f, _ := newTestFabric(t, mock, testChain, "")

	_, err := f.Generate(context.Background(), GenerateRequest{ProjectID: "p1", Prompt: "hello"})
	assert.ErrorIs(t, err, ErrAllModelsFailed)
	assert.Equal(t, 9, mock.Calls()) // 3 models x 3 retries
}

func TestFabricBreakerShortCircuitsRepeatedFailures(t *testing.T) {
	mock := NewMockProvider().RespondAlways(func(model, prompt string) (*Response, error) {
		return nil, errors.New("down")
	})
	f, _ := newTestFabric(t, mock, []ModelSpec{{Name: "model-a"}}, "")
	// Tighten the breaker below the retry budget.
	f.breakers["model-a"] = NewCircuitBreaker("model-a", 2, time.Minute, 1)

	_, err := f.Generate(context.Background(), GenerateRequest{ProjectID: "p1", Prompt: "hello"})
	assert.ErrorIs(t, err, ErrAllModelsFailed)
	// Third attempt was rejected by the open breaker, not sent upstream.
	assert.Equal(t, 2, mock.Calls())
	assert.Equal(t, CircuitOpen, f.Breaker("model-a").State())
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
		"  plain text  ":          "plain text",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripFences(in))
	}
}
