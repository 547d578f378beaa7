package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyfab/storyfab/orchestrator/dedup"
	"github.com/storyfab/storyfab/orchestrator/llm"
	"github.com/storyfab/storyfab/orchestrator/state"
	"github.com/storyfab/storyfab/orchestrator/trends"
)

// API is the read-only ops surface. The manifest on disk remains the
// hand-off to downstream renderers; this exists for dashboards and
// debugging.
type API struct {
	cfg    *Config
	fabric *llm.Fabric
	ledger *llm.CostLedger
	store  *state.ManifestStore
	trends *trends.Store
	index  *dedup.Index
	hub    *EventHub
	logger *slog.Logger

	server *http.Server
}

// NewAPI assembles the mux and the server.
func NewAPI(cfg *Config, fabric *llm.Fabric, ledger *llm.CostLedger, store *state.ManifestStore,
	trendStore *trends.Store, index *dedup.Index, hub *EventHub, logger *slog.Logger) *API {
	a := &API{
		cfg:    cfg,
		fabric: fabric,
		ledger: ledger,
		store:  store,
		trends: trendStore,
		index:  index,
		hub:    hub,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/snapshot", a.handleSnapshot)
	mux.Handle("/events/stream", hub)

	a.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a
}

// Start serves until Shutdown. ErrServerClosed is swallowed.
func (a *API) Start() {
	a.logger.Info("Ops API listening", "addr", a.cfg.ListenAddr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.logger.Error("Ops API failed", "error", err)
	}
}

// Shutdown drains the server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleSnapshot dumps the live state of every component: fabric and
// breakers, cost totals, per-status project counts, trend and dedup
// sizes.
func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	byStatus := make(map[string]int)
	manifests, errs := a.store.List()
	for _, m := range manifests {
		byStatus[string(m.Status)]++
	}

	snapshot := map[string]any{
		"fabric":           a.fabric.Snapshot(),
		"cost":             a.ledger.Snapshot(),
		"projects":         byStatus,
		"unreadable":       len(errs),
		"established":      a.trends.Established(),
		"processed_hashes": a.index.Len(),
		"generated_at":     time.Now().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
