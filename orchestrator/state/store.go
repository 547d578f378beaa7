package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/storyfab/storyfab/orchestrator/content"
)

// ErrProjectExists is returned by Create when the project directory already
// holds a manifest.
var ErrProjectExists = errors.New("project already exists")

// ErrProjectNotFound is returned when no manifest exists for the id.
var ErrProjectNotFound = errors.New("project not found")

// ManifestStore persists one manifest.json per project directory. Every
// read validates the document; every write goes through a temp file and a
// rename so readers never observe a torn manifest.
type ManifestStore struct {
	dir        string
	validate   *validator.Validate
	retryLimit int

	mu sync.Mutex
}

// NewManifestStore creates the projects root if needed. The content
// validator is reused so segment and hook rules apply to nested artifacts.
func NewManifestStore(dir string) (*ManifestStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ManifestStore{
		dir:        dir,
		validate:   content.Validator(),
		retryLimit: MaxRetries,
	}, nil
}

// SetRetryLimit aligns the retry_count invariant with the machine's
// configured budget. Call at wiring time, before any writes.
func (s *ManifestStore) SetRetryLimit(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.retryLimit = n
	s.mu.Unlock()
}

// Dir returns the on-disk directory for one project.
func (s *ManifestStore) Dir(projectID string) string {
	return filepath.Join(s.dir, projectID)
}

func (s *ManifestStore) manifestPath(projectID string) string {
	return filepath.Join(s.dir, projectID, "manifest.json")
}

// Create persists a brand-new manifest. Fails if the project already has
// one.
func (s *ManifestStore) Create(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.manifestPath(m.ProjectID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrProjectExists, m.ProjectID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return s.writeLocked(m)
}

// Load reads and validates the manifest for projectID.
func (s *ManifestStore) Load(projectID string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(projectID)
}

func (s *ManifestStore) loadLocked(projectID string) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s corrupt: %w", projectID, err)
	}
	if err := s.check(&m); err != nil {
		return nil, fmt.Errorf("manifest %s invalid: %w", projectID, err)
	}
	return &m, nil
}

// Update applies fn to the current manifest under the store lock, stamps
// updated_at and persists the result. fn returning an error abandons the
// write.
func (s *ManifestStore) Update(projectID string, fn func(*Manifest) error) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked(projectID)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	m.UpdatedAt = time.Now()
	if err := s.writeLocked(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Save validates and persists m as-is, stamping updated_at.
func (s *ManifestStore) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.UpdatedAt = time.Now()
	return s.writeLocked(m)
}

func (s *ManifestStore) writeLocked(m *Manifest) error {
	if err := s.check(m); err != nil {
		return fmt.Errorf("refusing to persist invalid manifest %s: %w", m.ProjectID, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := s.manifestPath(m.ProjectID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// List returns every manifest under the projects root. Unreadable or
// invalid manifests are skipped and reported through errs.
func (s *ManifestStore) List() ([]*Manifest, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, []error{err}
	}
	var (
		manifests []*Manifest
		errs      []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.loadLocked(entry.Name())
		if err != nil {
			if errors.Is(err, ErrProjectNotFound) {
				continue // directory without a manifest, e.g. audio-only
			}
			errs = append(errs, err)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, errs
}

// check runs the schema rules plus the cross-field invariants the tag
// language cannot express.
func (s *ManifestStore) check(m *Manifest) error {
	if err := s.validate.Struct(m); err != nil {
		return err
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		return fmt.Errorf("updated_at %s precedes created_at %s", m.UpdatedAt.Format(time.RFC3339), m.CreatedAt.Format(time.RFC3339))
	}
	if m.Meta.RetryCount > s.retryLimit && m.Status != StatusDeadLetter && m.Status != StatusFailed {
		return fmt.Errorf("retry_count %d exceeds limit outside failure states", m.Meta.RetryCount)
	}
	if m.Meta.IsDeadLetter && m.Status != StatusDeadLetter {
		return fmt.Errorf("is_dead_letter set while status is %s", m.Status)
	}
	return nil
}
