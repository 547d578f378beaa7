package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storyfab/storyfab/orchestrator/observability"
)

// DefaultStaleThresholds maps each in-flight status to how long it may sit
// without a manifest write before the heartbeat calls it stuck.
var DefaultStaleThresholds = map[Status]time.Duration{
	StatusAnalyzing:     10 * time.Minute,
	StatusRendering:     30 * time.Minute,
	StatusUploading:     5 * time.Minute,
	StatusDegradedRetry: 15 * time.Minute,
}

// AudioChecker probes the audio slots of a pending_audio project. It
// returns the updated slot map; implementations look for rendered audio
// files in the project directory.
type AudioChecker interface {
	CheckSlots(projectDir string, slots map[string]string) (map[string]string, error)
}

// HeartbeatConfig wires a Heartbeat.
type HeartbeatConfig struct {
	Store        *ManifestStore
	Machine      *Machine
	Interval     time.Duration
	Thresholds   map[Status]time.Duration
	Audio        AudioChecker
	OnAudioReady func(projectID string)
	Logger       *slog.Logger
}

// Heartbeat periodically sweeps every manifest: it rescues stale projects
// and advances pending_audio projects whose audio has landed.
type Heartbeat struct {
	cfg HeartbeatConfig
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHeartbeat applies defaults: 60s interval and the standard thresholds.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultStaleThresholds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "heartbeat")
	return &Heartbeat{
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep runs one heartbeat pass. Exported so tests and the debug endpoint
// can trigger it directly.
func (h *Heartbeat) Sweep() {
	manifests, errs := h.cfg.Store.List()
	for _, err := range errs {
		h.cfg.Logger.Warn("Skipping unreadable manifest", "error", err)
	}

	active := 0
	now := h.now()
	for _, m := range manifests {
		if m.Status.IsTerminal() {
			continue
		}
		active++

		if m.Status == StatusPendingAudio {
			h.probeAudio(m)
			continue
		}

		threshold, watched := h.cfg.Thresholds[m.Status]
		if !watched {
			continue
		}
		if age := now.Sub(m.UpdatedAt); age > threshold {
			h.cfg.Logger.Warn("Stale project detected",
				"project_id", m.ProjectID, "status", string(m.Status),
				"age", age.Round(time.Second).String())
			if err := h.cfg.Machine.RecoverStale(m.ProjectID); err != nil {
				h.cfg.Logger.Error("Stale recovery failed",
					"project_id", m.ProjectID, "error", err)
			}
		}
	}
	observability.ActiveProjects.Set(float64(active))
}

// probeAudio re-checks the audio slots and, once every language is ready,
// hands the project to the rendering path.
func (h *Heartbeat) probeAudio(m *Manifest) {
	if h.cfg.Audio == nil {
		return
	}
	slots, err := h.cfg.Audio.CheckSlots(h.cfg.Store.Dir(m.ProjectID), m.Meta.AudioSlots)
	if err != nil {
		h.cfg.Logger.Warn("Audio probe failed", "project_id", m.ProjectID, "error", err)
		return
	}

	changed := false
	for lang, status := range slots {
		if m.Meta.AudioSlots[lang] != status {
			changed = true
			break
		}
	}
	if changed {
		if _, err := h.cfg.Store.Update(m.ProjectID, func(m *Manifest) error {
			m.Meta.AudioSlots = slots
			return nil
		}); err != nil {
			h.cfg.Logger.Error("Failed to persist audio slots", "project_id", m.ProjectID, "error", err)
			return
		}
	}

	for _, status := range slots {
		if status != "ready" {
			return
		}
	}
	if len(slots) == 0 {
		return
	}
	h.cfg.Logger.Info("All audio slots ready", "project_id", m.ProjectID)
	if h.cfg.OnAudioReady != nil {
		h.cfg.OnAudioReady(m.ProjectID)
	}
}
