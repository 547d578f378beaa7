package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/storyfab/storyfab/orchestrator/observability"
)

// Handler consumes one settled document. Errors are reported but never
// rewind the move: the file stays in the processed directory.
type Handler func(ctx context.Context, doc Document) error

// Config sizes the watcher.
type Config struct {
	IncomingDir  string
	ProcessedDir string
	Extensions   []string      // allowlist, e.g. .md .txt .markdown
	StableFor    time.Duration // write considered settled after this
	PollInterval time.Duration
}

// Watcher detects stable writes in the incoming directory. fsnotify events
// seed candidates; a poller promotes a candidate once its size has been
// unchanged for StableFor. Promotion moves the file first, then dispatches.
type Watcher struct {
	cfg     Config
	handler Handler
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*candidate

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type candidate struct {
	size        int64
	stableSince time.Time
}

// NewWatcher creates a watcher dispatching settled documents to handler.
func NewWatcher(cfg Config, handler Handler) *Watcher {
	if cfg.StableFor <= 0 {
		cfg.StableFor = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Watcher{
		cfg:     cfg,
		handler: handler,
		pending: make(map[string]*candidate),
		stopCh:  make(chan struct{}),
	}
}

// Start creates the directories, picks up files already sitting in the
// incoming directory, and begins watching. Must be called only after the
// session pool has warmed up.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.IncomingDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(w.cfg.ProcessedDir, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.cfg.IncomingDir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	entries, err := os.ReadDir(w.cfg.IncomingDir)
	if err != nil {
		fsw.Close()
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.track(filepath.Join(w.cfg.IncomingDir, entry.Name()))
		}
	}

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.pollLoop(ctx)
	slog.Info("Ingress watcher started", "dir", w.cfg.IncomingDir)
	return nil
}

// Stop halts watching. In-flight dispatches finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.track(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			for _, path := range w.settled() {
				w.promote(ctx, path)
			}
		}
	}
}

// track registers a path as a candidate if it passes the allowlist and is
// not hidden or already under the processed subtree.
func (w *Watcher) track(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return
	}
	if strings.HasPrefix(path, w.cfg.ProcessedDir) {
		return
	}
	if !w.allowed(filepath.Ext(base)) {
		return
	}
	w.mu.Lock()
	if _, ok := w.pending[path]; !ok {
		w.pending[path] = &candidate{size: -1}
	}
	w.mu.Unlock()
}

// settled advances candidate sizes and returns the paths whose size has
// held steady for the configured delay.
func (w *Watcher) settled() []string {
	now := time.Now()
	var ready []string

	w.mu.Lock()
	defer w.mu.Unlock()
	for path, c := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != c.size {
			c.size = info.Size()
			c.stableSince = now
			continue
		}
		if now.Sub(c.stableSince) >= w.cfg.StableFor {
			delete(w.pending, path)
			ready = append(ready, path)
		}
	}
	return ready
}

// promote reads and analyzes the file, moves it into the processed
// directory, then dispatches. Moving first means a handler crash cannot
// cause the same bytes to be picked up twice.
func (w *Watcher) promote(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read settled file", "path", path, "error", err)
		return
	}

	dest := filepath.Join(w.cfg.ProcessedDir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		dest = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(dest, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, dest); err != nil {
		slog.Error("Failed to move file to processed directory", "path", path, "error", err)
		return
	}

	doc := Analyze(dest, string(data))
	observability.IngressAccepted.WithLabelValues(doc.Language).Inc()
	slog.Info("Document accepted",
		"path", dest, "language", doc.Language,
		"word_count", doc.WordCount, "reading_time_sec", doc.ReadingTimeSec)

	if err := w.handler(ctx, doc); err != nil {
		slog.Error("Document handler failed", "path", dest, "error", err)
	}
}

func (w *Watcher) allowed(ext string) bool {
	for _, allowed := range w.cfg.Extensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}
