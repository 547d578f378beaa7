// Package dedup is the content-addressed index of already-processed inputs.
// Lookups go size-first so the common negative case never reads the file.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry records one processed input. Unique by Hash.
type Entry struct {
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	ProjectID   string    `json:"project_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Path        string    `json:"path"`
}

// Method says how a duplicate check was decided.
type Method string

const (
	MethodSizeMismatch Method = "size_mismatch"
	MethodHashMatch    Method = "hash_match"
	MethodHashMismatch Method = "hash_mismatch"
)

// CheckResult is the outcome of IsProcessed.
type CheckResult struct {
	Processed bool
	Method    Method
	Existing  *Entry
}

// Index is the persistent hash index with a derived size index for O(1)
// negative lookups. Init is idempotent and guarded against torn concurrent
// loads.
type Index struct {
	path  string
	cache *RedisCache

	initOnce sync.Once
	initErr  error

	mu     sync.Mutex
	byHash map[string]*Entry
	bySize map[int64][]string
}

// NewIndex creates an index persisted at path. Call Init (or any operation,
// which inits lazily) before use.
func NewIndex(path string) *Index {
	return &Index{
		path:   path,
		byHash: make(map[string]*Entry),
		bySize: make(map[int64][]string),
	}
}

// AttachCache mirrors entries to a Redis cache, best-effort.
func (ix *Index) AttachCache(c *RedisCache) { ix.cache = c }

// Init loads the persisted index exactly once.
func (ix *Index) Init() error {
	ix.initOnce.Do(func() {
		data, err := os.ReadFile(ix.path)
		if os.IsNotExist(err) {
			return
		}
		if err != nil {
			ix.initErr = err
			return
		}
		var stored []*Entry
		if err := json.Unmarshal(data, &stored); err != nil {
			slog.Warn("Hash index unreadable, starting fresh", "path", ix.path, "error", err)
			return
		}
		ix.mu.Lock()
		for _, e := range stored {
			ix.insertLocked(e)
		}
		ix.mu.Unlock()
	})
	return ix.initErr
}

// IsProcessed checks whether the file at path was already processed.
// A size never seen before answers immediately; otherwise the content hash
// decides.
func (ix *Index) IsProcessed(ctx context.Context, path string) (CheckResult, error) {
	if err := ix.Init(); err != nil {
		return CheckResult{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{}, err
	}

	ix.mu.Lock()
	_, sizeKnown := ix.bySize[info.Size()]
	ix.mu.Unlock()
	if !sizeKnown {
		return CheckResult{Processed: false, Method: MethodSizeMismatch}, nil
	}

	hash, _, err := HashFile(path)
	if err != nil {
		return CheckResult{}, err
	}

	ix.mu.Lock()
	existing, ok := ix.byHash[hash]
	if ok {
		copied := *existing
		ix.mu.Unlock()
		return CheckResult{Processed: true, Method: MethodHashMatch, Existing: &copied}, nil
	}
	ix.mu.Unlock()

	if ix.cache != nil {
		if e, err := ix.cache.Seen(ctx, hash); err == nil && e != nil {
			ix.mu.Lock()
			ix.insertLocked(e)
			copied := *e
			ix.mu.Unlock()
			return CheckResult{Processed: true, Method: MethodHashMatch, Existing: &copied}, nil
		}
	}

	return CheckResult{Processed: false, Method: MethodHashMismatch}, nil
}

// MarkProcessed inserts (or refreshes) the entry for path and persists.
func (ix *Index) MarkProcessed(ctx context.Context, path, hash, projectID string) error {
	if err := ix.Init(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	e := &Entry{
		Hash:        hash,
		Size:        info.Size(),
		ProjectID:   projectID,
		ProcessedAt: time.Now(),
		Path:        path,
	}

	ix.mu.Lock()
	ix.removeLocked(hash)
	ix.insertLocked(e)
	ix.mu.Unlock()

	if ix.cache != nil {
		if err := ix.cache.Record(ctx, e); err != nil {
			slog.Warn("Dedup cache record failed", "hash", hash, "error", err)
		}
	}
	return ix.persist()
}

// Cleanup removes entries older than maxAgeDays, then trims
// least-recently-processed entries down to maxEntries.
func (ix *Index) Cleanup(maxAgeDays, maxEntries int) (int, error) {
	if err := ix.Init(); err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	removed := 0

	ix.mu.Lock()
	for hash, e := range ix.byHash {
		if e.ProcessedAt.Before(cutoff) {
			ix.removeLocked(hash)
			removed++
		}
	}
	if len(ix.byHash) > maxEntries {
		entries := make([]*Entry, 0, len(ix.byHash))
		for _, e := range ix.byHash {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].ProcessedAt.Before(entries[j].ProcessedAt)
		})
		for _, e := range entries[:len(entries)-maxEntries] {
			ix.removeLocked(e.Hash)
			removed++
		}
	}
	ix.mu.Unlock()

	if removed > 0 {
		return removed, ix.persist()
	}
	return 0, nil
}

// Len reports the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byHash)
}

// HashFile computes the streamed content digest and size of a file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes digests in-memory content with the same algorithm as HashFile.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (ix *Index) insertLocked(e *Entry) {
	ix.byHash[e.Hash] = e
	ix.bySize[e.Size] = append(ix.bySize[e.Size], e.Hash)
}

func (ix *Index) removeLocked(hash string) {
	e, ok := ix.byHash[hash]
	if !ok {
		return
	}
	delete(ix.byHash, hash)
	hashes := ix.bySize[e.Size]
	for i, h := range hashes {
		if h == hash {
			ix.bySize[e.Size] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	if len(ix.bySize[e.Size]) == 0 {
		delete(ix.bySize, e.Size)
	}
}

func (ix *Index) persist() error {
	ix.mu.Lock()
	stored := make([]*Entry, 0, len(ix.byHash))
	for _, e := range ix.byHash {
		copied := *e
		stored = append(stored, &copied)
	}
	ix.mu.Unlock()

	sort.Slice(stored, func(i, j int) bool { return stored[i].Hash < stored[j].Hash })
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return err
	}
	tmp := ix.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ix.path)
}
