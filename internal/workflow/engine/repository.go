package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrStateNotFound is returned when no persisted engine state exists yet.
var ErrStateNotFound = errors.New("workflow engine: state not found")

// StateStore persists workflow records.
type StateStore interface {
	Load() (Record, error)
	Save(Record) error
}

// Repository stores the workflow record as a JSON file.
type Repository struct {
	path string
}

// NewRepository creates a repository backed by path
// (normally .coleta/state/workflow.json).
func NewRepository(path string) *Repository {
	return &Repository{path: path}
}

// Path returns the backing file.
func (r *Repository) Path() string {
	return r.path
}

// Load reads the persisted record if present.
func (r *Repository) Load() (Record, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrStateNotFound
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("workflow engine: decode %s: %w", r.path, err)
	}
	return rec, nil
}

// Save writes the record through a temp file and rename.
func (r *Repository) Save(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
