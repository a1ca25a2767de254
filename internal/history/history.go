package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Record is the last successful deploy of one application
type Record struct {
	LastCommit string    `json:"last_commit"`
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id,omitempty"`
	Uploaded   int       `json:"uploaded"`
	Deleted    int       `json:"deleted"`
}

// Store holds deploy records keyed by application name. It is read once by
// Open and written once by Save; nothing is cached between processes.
type Store struct {
	path    string
	records map[string]Record
	dirty   bool
}

// Open loads the history file at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("failed to parse history file %s: %w", path, err)
	}
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	return s, nil
}

// NewEmpty returns a store for path that ignores whatever is on disk
func NewEmpty(path string) *Store {
	return &Store{path: path, records: make(map[string]Record)}
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// Get returns the record of app
func (s *Store) Get(app string) (Record, bool) {
	rec, ok := s.records[app]
	return rec, ok
}

// Put replaces the record of app
func (s *Store) Put(app string, rec Record) {
	s.records[app] = rec
	s.dirty = true
}

// Apps returns the names that have a record, sorted
func (s *Store) Apps() []string {
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save persists the store if it changed, replacing the file atomically
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".deploy-history-*")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace history file: %w", err)
	}

	s.dirty = false
	return nil
}
