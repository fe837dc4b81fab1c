package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no artifact exists for a session.
	ErrNotFound = errors.New("artifact: not found")
	// ErrChecksumMismatch means the code file no longer matches its metadata.
	ErrChecksumMismatch = errors.New("artifact: checksum mismatch")
)

// Store manages artifact IO rooted at .stepforge/artifacts.
type Store struct {
	root string
	now  func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	store := &Store{root: dir, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Dir returns the directory holding a session's artifact files.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Save writes generated_code.py and result.md for the record's session,
// replacing any previous artifact of the same session.
func (s *Store) Save(rec Record) (Metadata, error) {
	meta := rec.Metadata.WithDefaults(rec.Code, s.now())
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	dir := s.Dir(meta.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("artifact: create %s: %w", dir, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, CodeFileName), []byte(rec.Code)); err != nil {
		return Metadata{}, err
	}
	doc, err := WriteFrontMatter(meta, []byte(renderBody(rec.Code)))
	if err != nil {
		return Metadata{}, err
	}
	if err := writeFileAtomic(filepath.Join(dir, ResultFileName), doc); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Load reads a session's artifact and verifies its checksum.
func (s *Store) Load(sessionID string) (Record, error) {
	if err := validSessionID(sessionID); err != nil {
		return Record{}, err
	}
	dir := s.Dir(sessionID)
	doc, err := os.ReadFile(filepath.Join(dir, ResultFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return Record{}, fmt.Errorf("artifact: read result for %s: %w", sessionID, err)
	}
	meta, _, err := ParseFrontMatter(doc)
	if err != nil {
		return Record{}, err
	}
	code, err := os.ReadFile(filepath.Join(dir, CodeFileName))
	if err != nil {
		return Record{}, fmt.Errorf("artifact: read code for %s: %w", sessionID, err)
	}
	if Checksum(string(code)) != meta.Checksum {
		return Record{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, sessionID)
	}
	return Record{Metadata: meta, Code: string(code)}, nil
}

// List returns the metadata of every stored artifact, newest first.
// Unreadable entries are skipped.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list %s: %w", s.root, err)
	}
	var metas []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		doc, err := os.ReadFile(filepath.Join(s.root, entry.Name(), ResultFileName))
		if err != nil {
			continue
		}
		meta, _, err := ParseFrontMatter(doc)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].SessionID < metas[j].SessionID
		}
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func renderBody(code string) string {
	var b strings.Builder
	b.WriteString("```python\n")
	b.WriteString(strings.TrimRight(code, "\n"))
	b.WriteString("\n```\n")
	return b.String()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("artifact: create temp for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: rename %s: %w", path, err)
	}
	return nil
}
