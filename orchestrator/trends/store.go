// Package trends tracks keyword authority: keywords observed in enough
// consecutive windows become established, unobserved ones decay away.
package trends

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/storyfab/storyfab/orchestrator/observability"
)

// Authority is the derived rank of a keyword.
type Authority string

const (
	AuthorityEstablished Authority = "established"
	AuthorityEmerging    Authority = "emerging"
	AuthorityFleeting    Authority = "fleeting"
)

// Entry is the persisted record for one keyword. DecayedWindows tracks how
// many decay windows have already been charged against LastSeen so that
// repeated decay passes stay idempotent.
type Entry struct {
	Keyword            string    `json:"keyword"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	ConsecutiveWindows int       `json:"consecutive_windows"`
	DecayedWindows     int       `json:"decayed_windows,omitempty"`
}

// Authority derives the rank from the window count.
func (e *Entry) Authority() Authority {
	switch {
	case e.ConsecutiveWindows >= 3:
		return AuthorityEstablished
	case e.ConsecutiveWindows == 2:
		return AuthorityEmerging
	default:
		return AuthorityFleeting
	}
}

// Source supplies raw trend candidates for a topic. Failures are tolerated:
// the store logs and carries on with what it has.
type Source interface {
	Fetch(ctx context.Context, topic string) ([]string, error)
}

// StaticSource is a fixed candidate list, used in dev and tests.
type StaticSource []string

func (s StaticSource) Fetch(ctx context.Context, topic string) ([]string, error) {
	return s, nil
}

const (
	defaultRefreshWindow  = 6 * time.Hour
	defaultDecayThreshold = 24 * time.Hour
)

// Store is the persistent trend authority store.
type Store struct {
	path           string
	source         Source
	refreshWindow  time.Duration
	decayThreshold time.Duration
	now            func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// Option tunes a Store.
type Option func(*Store)

// WithWindows overrides the refresh and decay windows.
func WithWindows(refresh, decay time.Duration) Option {
	return func(s *Store) {
		s.refreshWindow = refresh
		s.decayThreshold = decay
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads (or creates) the store persisted at path.
func NewStore(path string, source Source, opts ...Option) (*Store, error) {
	s := &Store{
		path:           path,
		source:         source,
		refreshWindow:  defaultRefreshWindow,
		decayThreshold: defaultDecayThreshold,
		now:            time.Now,
		entries:        make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var stored []*Entry
		if err := json.Unmarshal(data, &stored); err != nil {
			slog.Warn("Trend store unreadable, starting fresh", "path", path, "error", err)
		} else {
			for _, e := range stored {
				s.entries[e.Keyword] = e
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// GetHot decays stale entries, fetches fresh candidates for topic, promotes
// them, persists, and returns the candidates ordered by derived authority.
func (s *Store) GetHot(ctx context.Context, topic string) ([]string, error) {
	now := s.now()

	candidates, err := s.source.Fetch(ctx, topic)
	if err != nil {
		slog.Warn("Trend source fetch failed, continuing without candidates",
			"topic", topic, "error", err)
		candidates = nil
	}

	s.mu.Lock()
	s.decayLocked(now)

	for _, kw := range candidates {
		e, ok := s.entries[kw]
		if !ok {
			s.entries[kw] = &Entry{
				Keyword:            kw,
				FirstSeen:          now,
				LastSeen:           now,
				ConsecutiveWindows: 1,
			}
			continue
		}
		if now.Sub(e.LastSeen) >= s.refreshWindow {
			e.ConsecutiveWindows++
		}
		e.LastSeen = now
		e.DecayedWindows = 0
	}

	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return s.rankLocked(sorted[i]) < s.rankLocked(sorted[j])
	})
	s.publishGaugesLocked()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		slog.Warn("Trend store persist failed", "path", s.path, "error", err)
	}
	return sorted, nil
}

// Established returns the durable keywords, strongest first.
func (s *Store) Established() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.Authority() == AuthorityEstablished {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsecutiveWindows != out[j].ConsecutiveWindows {
			return out[i].ConsecutiveWindows > out[j].ConsecutiveWindows
		}
		return out[i].Keyword < out[j].Keyword
	})
	keywords := make([]string, len(out))
	for i, e := range out {
		keywords[i] = e.Keyword
	}
	return keywords
}

// Entry returns a copy of the stored entry for keyword, if any.
func (s *Store) Entry(keyword string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[keyword]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// decayLocked charges every full decay window elapsed since LastSeen,
// removing entries whose window count would fall below one.
func (s *Store) decayLocked(now time.Time) {
	for kw, e := range s.entries {
		elapsed := int(now.Sub(e.LastSeen) / s.decayThreshold)
		due := elapsed - e.DecayedWindows
		if due <= 0 {
			continue
		}
		e.ConsecutiveWindows -= due
		e.DecayedWindows = elapsed
		if e.ConsecutiveWindows < 1 {
			delete(s.entries, kw)
		}
	}
}

func (s *Store) rankLocked(keyword string) int {
	e, ok := s.entries[keyword]
	if !ok {
		return 3
	}
	switch e.Authority() {
	case AuthorityEstablished:
		return 0
	case AuthorityEmerging:
		return 1
	default:
		return 2
	}
}

func (s *Store) publishGaugesLocked() {
	counts := map[Authority]int{}
	for _, e := range s.entries {
		counts[e.Authority()]++
	}
	for _, a := range []Authority{AuthorityEstablished, AuthorityEmerging, AuthorityFleeting} {
		observability.TrendEntries.WithLabelValues(string(a)).Set(float64(counts[a]))
	}
}

func (s *Store) persist() error {
	s.mu.Lock()
	stored := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		copied := *e
		stored = append(stored, &copied)
	}
	s.mu.Unlock()

	sort.Slice(stored, func(i, j int) bool { return stored[i].Keyword < stored[j].Keyword })
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
