package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/storyfab/storyfab/orchestrator/observability"
)

var ErrAllModelsFailed = errors.New("all models in the fallback chain failed")

// ModelSpec is one slot in the fallback chain. Strict models always receive
// the degraded prompt prefix plus the downstream schema hints.
type ModelSpec struct {
	Name   string
	Strict bool
}

// FabricConfig wires the fabric.
type FabricConfig struct {
	Chain       []ModelSpec
	MaxRetries  int
	BackoffBase time.Duration
	CallTimeout time.Duration

	// StrictHints enumerates the enum sets and field limits downstream
	// validation enforces. Appended to the degraded prefix for strict models.
	StrictHints string

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerSuccessThreshold int
}

// GenerateRequest is one fabric call.
type GenerateRequest struct {
	ProjectID      string
	Prompt         string
	Priority       Priority
	MaxRetries     int    // 0 means the fabric default
	PreferredModel string // empty means the chain head
}

// GenerateResult is the normalized outcome of a successful generation.
type GenerateResult struct {
	Text           string
	ModelUsed      string
	IsFallbackMode bool
	TokensUsed     int
}

// Fabric serializes every provider call through the admission queue, the
// rate limiter and the session pool, walks the model fallback chain with
// retry and per-model circuit breaking, and records spend to the ledger.
type Fabric struct {
	cfg      FabricConfig
	queue    *AdmissionQueue
	limiter  *RateLimiter
	pool     *SessionPool
	ledger   *CostLedger
	breakers map[string]*CircuitBreaker
	logger   *slog.Logger
}

// NewFabric composes the call fabric from its parts.
func NewFabric(cfg FabricConfig, queue *AdmissionQueue, limiter *RateLimiter, pool *SessionPool, ledger *CostLedger, logger *slog.Logger) *Fabric {
	breakers := make(map[string]*CircuitBreaker, len(cfg.Chain))
	for _, m := range cfg.Chain {
		breakers[m.Name] = NewCircuitBreaker(m.Name, cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout, cfg.BreakerSuccessThreshold)
	}
	return &Fabric{
		cfg:      cfg,
		queue:    queue,
		limiter:  limiter,
		pool:     pool,
		ledger:   ledger,
		breakers: breakers,
		logger:   logger.With("component", "fabric"),
	}
}

// Chain returns the configured fallback chain.
func (f *Fabric) Chain() []ModelSpec { return f.cfg.Chain }

// Breaker returns the breaker guarding model, or nil for unknown models.
func (f *Fabric) Breaker(model string) *CircuitBreaker { return f.breakers[model] }

// Snapshot exposes fabric occupancy for the debug endpoint.
func (f *Fabric) Snapshot() map[string]any {
	breakers := make(map[string]string, len(f.breakers))
	for name, b := range f.breakers {
		breakers[name] = b.State().String()
	}
	open, idle := f.pool.Stats()
	return map[string]any{
		"queue_depth":      f.queue.Depth(),
		"in_flight":        f.queue.InFlight(),
		"tokens_available": f.limiter.Available(),
		"pool_open":        open,
		"pool_idle":        idle,
		"breakers":         breakers,
	}
}

// Generate runs one prompt through the fabric.
func (f *Fabric) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	enqueuedAt := time.Now()
	if err := f.queue.Enqueue(ctx, req.Priority); err != nil {
		return nil, err
	}
	defer f.queue.Dequeue()
	observability.AdmissionWaitSeconds.WithLabelValues(req.Priority.String()).Observe(time.Since(enqueuedAt).Seconds())
	observability.AdmissionQueueDepth.WithLabelValues(req.Priority.String()).Set(float64(f.queue.Depth()))

	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	sess, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Release(sess)

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = f.cfg.MaxRetries
	}

	start := f.chainIndex(req.PreferredModel)
	var lastErr error
	for idx := start; idx < len(f.cfg.Chain); idx++ {
		model := f.cfg.Chain[idx]
		isFallback := idx > 0

		prompt := req.Prompt
		if isFallback || model.Strict {
			prompt = f.degradedPrompt(req.Prompt, model.Strict)
		}

		text, tokens, err := f.attemptModel(ctx, sess, model.Name, prompt, maxRetries, req.ProjectID)
		if err != nil {
			lastErr = err
			f.logger.Warn("Model exhausted, advancing fallback chain",
				"project_id", req.ProjectID, "model", model.Name, "error", err)
			continue
		}

		if isFallback {
			observability.FabricFallbacks.Inc()
		}
		return &GenerateResult{
			Text:           text,
			ModelUsed:      model.Name,
			IsFallbackMode: isFallback,
			TokensUsed:     tokens,
		}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

// attemptModel runs the retry loop for a single model slot.
func (f *Fabric) attemptModel(ctx context.Context, sess *Session, model, prompt string, maxRetries int, projectID string) (string, int, error) {
	breaker := f.breakers[model]
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				lastErr = err
				observability.FabricAttempts.WithLabelValues(model, "circuit_open").Inc()
				f.sleepBackoff(ctx, attempt)
				continue
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if f.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, f.cfg.CallTimeout)
		}
		resp, err := sess.Provider.Generate(callCtx, model, prompt)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			lastErr = err
			if breaker != nil {
				breaker.RecordFailure()
				f.publishBreakerState(model, breaker)
			}
			observability.FabricAttempts.WithLabelValues(model, "error").Inc()
			f.logger.Warn("Provider attempt failed",
				"project_id", projectID, "model", model, "attempt", attempt, "error", err)
			f.sleepBackoff(ctx, attempt)
			continue
		}

		if breaker != nil {
			breaker.RecordSuccess()
			f.publishBreakerState(model, breaker)
		}
		observability.FabricAttempts.WithLabelValues(model, "success").Inc()

		text := stripFences(resp.Text)
		tokens := countTokens(prompt, text, resp.Usage)
		f.ledger.Record(model, tokens)
		observability.TokensTotal.WithLabelValues(model).Add(float64(tokens))
		observability.APICallsTotal.Inc()
		observability.EstimatedCostUSD.Set(f.ledger.Snapshot().EstimatedCostUSD)
		return text, tokens, nil
	}

	return "", 0, fmt.Errorf("model %s failed after %d attempts: %w", model, maxRetries, lastErr)
}

// sleepBackoff waits base * 2^(n-1) scaled into [0.5, 1.0) — decorrelated
// jitter, biased low so retries never exceed the exponential envelope.
func (f *Fabric) sleepBackoff(ctx context.Context, attempt int) {
	d := f.cfg.BackoffBase << (attempt - 1)
	d = time.Duration(float64(d) * (0.5 + 0.5*rand.Float64()))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (f *Fabric) chainIndex(model string) int {
	if model == "" {
		return 0
	}
	for i, m := range f.cfg.Chain {
		if m.Name == model {
			return i
		}
	}
	return 0
}

func (f *Fabric) publishBreakerState(model string, b *CircuitBreaker) {
	var v float64
	switch b.State() {
	case CircuitOpen:
		v = 1
	case CircuitHalfOpen:
		v = 2
	}
	observability.BreakerState.WithLabelValues(model).Set(v)
}

const degradedDirective = `IMPORTANT OUTPUT RULES:
- Use plain, direct language.
- Return exactly the JSON structure requested, with the exact field names given.
- Keep every text field within its stated length limit.
- Choose enum values only from the closed sets provided; invent nothing.
- Never emit null; omit nothing; every field must be present.`

// degradedPrompt prepends the fixed directive block. Strict models also get
// the downstream enum sets and limits spelled out.
func (f *Fabric) degradedPrompt(prompt string, strict bool) string {
	var b strings.Builder
	b.WriteString(degradedDirective)
	if strict && f.cfg.StrictHints != "" {
		b.WriteString("\n")
		b.WriteString(f.cfg.StrictHints)
	}
	b.WriteString("\n\n")
	b.WriteString(prompt)
	return b.String()
}

// stripFences removes a single optional ```json / ``` wrapper.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// countTokens prefers provider-reported usage, falling back to the
// four-characters-per-token estimate.
func countTokens(prompt, text string, usage *Usage) int {
	if usage != nil && usage.PromptTokens+usage.OutputTokens > 0 {
		return usage.PromptTokens + usage.OutputTokens
	}
	return (len(prompt) + len(text) + 3) / 4
}
