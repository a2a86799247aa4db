package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrCorruptState is returned when the state file exists but cannot be decoded.
var ErrCorruptState = errors.New("state file is corrupt")

// ProjectRuntime holds what the dashboard last spawned for a project. A pid
// here is advisory: it says what was started, not that it is still alive.
// Absent fields are nil and serialise as explicit null.
type ProjectRuntime struct {
	Pid             *int    `json:"pid"`
	StartedAt       *int64  `json:"startedAt"`
	TunnelPid       *int    `json:"tunnelPid"`
	TunnelStartedAt *int64  `json:"tunnelStartedAt"`
	TunnelURL       *string `json:"tunnelUrl"`
	TunnelURLAt     *int64  `json:"tunnelUrlAt"`
}

// Document is the whole state file.
type Document struct {
	Projects map[string]ProjectRuntime `json:"projects"`
}

// Runtime returns the entry for id, or an empty record for unknown ids.
func (d *Document) Runtime(id string) ProjectRuntime {
	if d == nil || d.Projects == nil {
		return ProjectRuntime{}
	}
	return d.Projects[id]
}

// Store persists a Document as a single JSON file. Every call re-reads the
// file; nothing is cached between operations. The mutex serialises
// read-modify-write cycles made through this Store, and writes go through a
// temp file plus rename so readers never see a half-written document.
// Writers in other processes still race with last-writer-wins.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by path. The file is created on first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the whole document. A missing file yields an empty document.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save rewrites the whole document.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(doc)
}

// Get returns the runtime record for id; unknown ids yield an empty record.
func (s *Store) Get(id string) (ProjectRuntime, error) {
	doc, err := s.Load()
	if err != nil {
		return ProjectRuntime{}, err
	}
	return doc.Runtime(id), nil
}

// Update applies fn to the record for id and persists the whole document.
// Fields fn leaves untouched are preserved.
func (s *Store) Update(id string, fn func(rt *ProjectRuntime)) (ProjectRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return ProjectRuntime{}, err
	}
	rt := doc.Runtime(id)
	fn(&rt)
	doc.Projects[id] = rt

	if err := s.save(doc); err != nil {
		return ProjectRuntime{}, err
	}
	return rt, nil
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{Projects: make(map[string]ProjectRuntime)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc.Projects == nil {
		doc.Projects = make(map[string]ProjectRuntime)
	}
	return &doc, nil
}

func (s *Store) save(doc *Document) error {
	if doc.Projects == nil {
		doc.Projects = make(map[string]ProjectRuntime)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	log.Debugf("[STATE] Wrote %d project entries to %s", len(doc.Projects), s.path)
	return nil
}

// IntPtr and Int64Ptr build optional fields.
func IntPtr(v int) *int { return &v }

func Int64Ptr(v int64) *int64 { return &v }

func StringPtr(v string) *string { return &v }
