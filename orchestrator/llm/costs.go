package llm

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// CostSnapshot is an immutable view of the ledger counters. Snapshots are
// additive: per-project accounting is the delta between two global snapshots.
type CostSnapshot struct {
	TotalTokens      int64            `json:"total_tokens"`
	TokensByModel    map[string]int64 `json:"tokens_by_model"`
	APICalls         int64            `json:"api_calls"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd"`
}

// Sub returns the componentwise delta s - prev.
func (s CostSnapshot) Sub(prev CostSnapshot) CostSnapshot {
	delta := CostSnapshot{
		TotalTokens:      s.TotalTokens - prev.TotalTokens,
		TokensByModel:    make(map[string]int64),
		APICalls:         s.APICalls - prev.APICalls,
		EstimatedCostUSD: math.Max(0, s.EstimatedCostUSD-prev.EstimatedCostUSD),
	}
	for model, n := range s.TokensByModel {
		if d := n - prev.TokensByModel[model]; d != 0 {
			delta.TokensByModel[model] = d
		}
	}
	return delta
}

// DefaultPricing is USD per 1000 tokens. Static table; unknown models cost 0.
var DefaultPricing = map[string]float64{
	"gemini-2.0-flash":      0.0004,
	"gemini-2.0-flash-lite": 0.00015,
	"gemini-1.5-flash":      0.00015,
	"gemini-1.5-flash-8b":   0.0000375,
	"gemini-1.5-pro":        0.0025,
}

// CostLedger is the process-wide token accounting. Counters live in memory;
// each Record schedules a best-effort asynchronous persist of the full
// snapshot to a single JSON file.
type CostLedger struct {
	mu      sync.Mutex
	snap    CostSnapshot
	pricing map[string]float64
	path    string

	persistCh chan struct{}
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewCostLedger opens (or resumes) the ledger persisted at path. pricing may
// be nil to use DefaultPricing.
func NewCostLedger(path string, pricing map[string]float64) (*CostLedger, error) {
	if pricing == nil {
		pricing = DefaultPricing
	}
	l := &CostLedger{
		snap:      CostSnapshot{TokensByModel: make(map[string]int64)},
		pricing:   pricing,
		path:      path,
		persistCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &l.snap); err != nil {
			slog.Warn("Cost report unreadable, starting fresh", "path", path, "error", err)
			l.snap = CostSnapshot{TokensByModel: make(map[string]int64)}
		}
		if l.snap.TokensByModel == nil {
			l.snap.TokensByModel = make(map[string]int64)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	go l.persistLoop()
	return l, nil
}

// Record adds one call's tokens to the totals and the per-model bucket.
func (l *CostLedger) Record(model string, tokens int) {
	l.mu.Lock()
	l.snap.TotalTokens += int64(tokens)
	l.snap.TokensByModel[model] += int64(tokens)
	l.snap.APICalls++
	l.snap.EstimatedCostUSD += float64(tokens) / 1000 * l.pricing[model]
	l.mu.Unlock()

	select {
	case l.persistCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current counters.
func (l *CostLedger) Snapshot() CostSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.snap
	out.TokensByModel = make(map[string]int64, len(l.snap.TokensByModel))
	for model, n := range l.snap.TokensByModel {
		out.TokensByModel[model] = n
	}
	return out
}

// Flush writes the snapshot synchronously. Used at shutdown.
func (l *CostLedger) Flush() error {
	return l.persist()
}

// Close stops the persist loop after a final flush.
func (l *CostLedger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	<-l.loopDone
	return l.Flush()
}

func (l *CostLedger) persistLoop() {
	defer close(l.loopDone)
	for {
		select {
		case <-l.done:
			return
		case <-l.persistCh:
			if err := l.persist(); err != nil {
				slog.Warn("Cost report persist failed", "path", l.path, "error", err)
			}
		}
	}
}

func (l *CostLedger) persist() error {
	snap := l.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
