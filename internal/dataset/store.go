package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const previewRows = 5

var (
	// ErrNotFound is returned for unknown dataset ids.
	ErrNotFound = errors.New("dataset: not found")
	// ErrNotTabular is returned when previewing a file that is not delimited text.
	ErrNotTabular = errors.New("dataset: preview requires a csv or tsv file")
)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the upload timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithIndexStore swaps the JSON index repository.
func WithIndexStore(repo IndexStore) Option {
	return func(s *Store) {
		if repo != nil {
			s.repo = repo
		}
	}
}

// Store manages dataset files under <dir>/files and their records in the
// index. It is safe for concurrent use.
type Store struct {
	dir     string
	repo    IndexStore
	now     func() time.Time
	mu      sync.Mutex
	preview singleflight.Group
}

// NewStore opens the dataset store rooted at dir (.stepforge/datasets).
func NewStore(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("dataset: directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("dataset: ensure files dir: %w", err)
	}
	s := &Store{dir: dir, repo: NewRepository(dir), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Create copies content into the store and records it. ID, FilePath,
// FileSize and UploadedAt are assigned here; FileName picks the stored
// extension. Metadata left empty is inferred for delimited files.
func (s *Store) Create(rec Record, content io.Reader) (Record, error) {
	if content == nil {
		return Record{}, errors.New("dataset: file content is required")
	}
	rec.Name = strings.TrimSpace(rec.Name)
	rec.UserID = strings.TrimSpace(rec.UserID)
	typ, err := ParseType(string(rec.Type))
	if err != nil {
		return Record{}, err
	}
	rec.Type = typ
	if err := rec.validate(); err != nil {
		return Record{}, err
	}

	rec.ID = uuid.NewString()
	ext := strings.ToLower(filepath.Ext(filepath.Base(rec.FileName)))
	path := filepath.Join(s.dir, "files", rec.ID+ext)
	size, err := writeFile(path, content)
	if err != nil {
		return Record{}, err
	}
	rec.FilePath = path
	rec.FileSize = size
	if strings.TrimSpace(rec.FileType) == "" || rec.FileType == "application/octet-stream" {
		rec.FileType = detectFileType(ext)
	}
	rec.UploadedAt = s.now().UTC()
	if _, ok := delimiterFor(path); ok {
		inferMetadata(&rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.repo.Load()
	if err != nil {
		os.Remove(path)
		return Record{}, err
	}
	index.Datasets = append(index.Datasets, rec)
	if err := s.repo.Save(index); err != nil {
		os.Remove(path)
		return Record{}, err
	}
	return rec, nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.repo.Load()
	if err != nil {
		return Record{}, err
	}
	for _, rec := range index.Datasets {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns the datasets owned by userID, newest first. An empty userID
// lists everything.
func (s *Store) List(userID string) ([]Record, error) {
	s.mu.Lock()
	index, err := s.repo.Load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	out := make([]Record, 0, len(index.Datasets))
	for _, rec := range index.Datasets {
		if userID == "" || rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

// Delete removes the record and its file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.repo.Load()
	if err != nil {
		return err
	}
	for i, rec := range index.Datasets {
		if rec.ID != id {
			continue
		}
		index.Datasets = append(index.Datasets[:i], index.Datasets[i+1:]...)
		if err := s.repo.Save(index); err != nil {
			return err
		}
		if err := os.Remove(rec.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("dataset: remove %s: %w", rec.FilePath, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Preview returns the headers, the first five rows and the total row count.
// Concurrent previews of the same dataset share one file scan.
func (s *Store) Preview(id string) (Preview, error) {
	value, err, _ := s.preview.Do(id, func() (any, error) {
		rec, err := s.Get(id)
		if err != nil {
			return Preview{}, err
		}
		return readPreview(rec.FilePath)
	})
	if err != nil {
		return Preview{}, err
	}
	return value.(Preview), nil
}

// Describe renders the prompt context block for the given dataset ids in
// the order requested.
func (s *Store) Describe(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Datasets available to the program (read them from the given paths):")
	for _, id := range ids {
		rec, err := s.Get(strings.TrimSpace(id))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n- %s (%s, %s): %s", rec.Name, rec.Type, rec.FileType, rec.FilePath)
		if desc := strings.TrimSpace(rec.Description); desc != "" {
			fmt.Fprintf(&b, "\n  Description: %s", desc)
		}
		m := rec.Metadata
		if len(m.Features) > 0 {
			fmt.Fprintf(&b, "\n  Features: %s", strings.Join(m.Features, ", "))
		}
		if m.TargetVariable != "" {
			fmt.Fprintf(&b, "\n  Target variable: %s", m.TargetVariable)
		}
		if m.RowCount > 0 || m.ColumnCount > 0 {
			fmt.Fprintf(&b, "\n  Shape: %d rows x %d columns", m.RowCount, m.ColumnCount)
		}
	}
	return b.String(), nil
}

func writeFile(path string, content io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("dataset: create %s: %w", path, err)
	}
	size, copyErr := io.Copy(f, content)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path)
		return 0, fmt.Errorf("dataset: store file: %w", errors.Join(copyErr, closeErr))
	}
	return size, nil
}

func detectFileType(ext string) string {
	switch ext {
	case ".csv":
		return "text/csv"
	case ".tsv":
		return "text/tab-separated-values"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func delimiterFor(path string) (rune, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return ',', true
	case ".tsv":
		return '\t', true
	}
	return 0, false
}

func newReader(r io.Reader, delim rune) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	return reader
}

func readPreview(path string) (Preview, error) {
	delim, ok := delimiterFor(path)
	if !ok {
		return Preview{}, ErrNotTabular
	}
	f, err := os.Open(path)
	if err != nil {
		return Preview{}, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()
	reader := newReader(f, delim)
	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Preview{Headers: []string{}, Data: []map[string]string{}}, nil
	}
	if err != nil {
		return Preview{}, fmt.Errorf("dataset: read header: %w", err)
	}
	preview := Preview{Headers: headers, Data: make([]map[string]string, 0, previewRows)}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Preview{}, fmt.Errorf("dataset: read row %d: %w", preview.TotalRows+1, err)
		}
		if len(preview.Data) < previewRows {
			entry := make(map[string]string, len(headers))
			for i, h := range headers {
				if i < len(row) {
					entry[h] = row[i]
				} else {
					entry[h] = ""
				}
			}
			preview.Data = append(preview.Data, entry)
		}
		preview.TotalRows++
	}
	return preview, nil
}

// inferMetadata fills shape fields the uploader left empty. Failures leave
// the metadata untouched.
func inferMetadata(rec *Record) {
	m := &rec.Metadata
	if len(m.Features) > 0 && m.RowCount > 0 && m.ColumnCount > 0 {
		return
	}
	preview, err := readPreview(rec.FilePath)
	if err != nil {
		return
	}
	if m.ColumnCount == 0 {
		m.ColumnCount = len(preview.Headers)
	}
	if m.RowCount == 0 {
		m.RowCount = preview.TotalRows
	}
	if len(m.Features) == 0 {
		for _, h := range preview.Headers {
			if h != m.TargetVariable {
				m.Features = append(m.Features, h)
			}
		}
	}
}
