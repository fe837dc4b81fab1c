package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Index is the persisted set of dataset records.
type Index struct {
	Version  int      `json:"version"`
	Datasets []Record `json:"datasets"`
}

// IndexStore persists the dataset index.
type IndexStore interface {
	Load() (Index, error)
	Save(Index) error
}

// Repository stores the index as JSON at <dir>/index.json.
type Repository struct {
	path string
}

// NewRepository creates a repository rooted at the datasets directory.
func NewRepository(dir string) *Repository {
	return &Repository{path: filepath.Join(dir, "index.json")}
}

// Load reads the index; a missing file is an empty index.
func (r *Repository) Load() (Index, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Index{Version: 1}, nil
		}
		return Index{}, fmt.Errorf("dataset: read index: %w", err)
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return Index{}, fmt.Errorf("dataset: parse index: %w", err)
	}
	return index, nil
}

// Save writes the index through a temp file and rename.
func (r *Repository) Save(index Index) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("dataset: ensure dir: %w", err)
	}
	if index.Version == 0 {
		index.Version = 1
	}
	encoded, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("dataset: encode index: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("dataset: write index: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("dataset: replace index: %w", err)
	}
	return nil
}
