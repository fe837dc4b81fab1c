package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const irisCSV = `sepal_length,sepal_width,species
5.1,3.5,setosa
4.9,3.0,setosa
4.7,3.2,setosa
4.6,3.1,setosa
5.0,3.6,setosa
5.4,3.9,setosa
`

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "datasets"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func createIris(t *testing.T, store *Store, user string) Record {
	t.Helper()
	rec, err := store.Create(Record{
		Name:     "iris",
		Type:     "Training",
		FileName: "iris.csv",
		UserID:   user,
		Metadata: Metadata{TargetVariable: "species"},
	}, strings.NewReader(irisCSV))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestCreateStoresFileAndInfersMetadata(t *testing.T) {
	store := newStore(t)
	rec := createIris(t, store, "u1")
	if rec.ID == "" || rec.Type != TypeTraining || rec.FileType != "text/csv" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.FileSize != int64(len(irisCSV)) {
		t.Fatalf("file size = %d", rec.FileSize)
	}
	data, err := os.ReadFile(rec.FilePath)
	if err != nil || string(data) != irisCSV {
		t.Fatalf("stored file = %q, %v", data, err)
	}
	m := rec.Metadata
	if m.RowCount != 6 || m.ColumnCount != 3 || strings.Join(m.Features, ",") != "sepal_length,sepal_width" {
		t.Fatalf("unexpected metadata: %+v", m)
	}
	got, err := store.Get(rec.ID)
	if err != nil || got.Name != "iris" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestCreateValidates(t *testing.T) {
	store := newStore(t)
	cases := []Record{
		{Type: TypeTraining, UserID: "u"},
		{Name: "x", Type: TypeTraining},
		{Name: "x", Type: "holdout", UserID: "u"},
	}
	for _, rec := range cases {
		if _, err := store.Create(rec, strings.NewReader("a")); err == nil {
			t.Fatalf("expected validation error for %+v", rec)
		}
	}
}

func TestListFiltersByUserNewestFirst(t *testing.T) {
	store := newStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	first := createIris(t, store, "u1")
	now = now.Add(time.Minute)
	second := createIris(t, store, "u1")
	createIris(t, store, "u2")

	list, err := store.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
	all, _ := store.List("")
	if len(all) != 3 {
		t.Fatalf("List(\"\") = %d records, want 3", len(all))
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	store := newStore(t)
	rec := createIris(t, store, "u1")
	if err := store.Delete(rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(rec.FilePath); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
	if _, err := store.Get(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPreviewReturnsFirstFiveRows(t *testing.T) {
	store := newStore(t)
	rec := createIris(t, store, "u1")
	preview, err := store.Preview(rec.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if strings.Join(preview.Headers, ",") != "sepal_length,sepal_width,species" {
		t.Fatalf("headers = %v", preview.Headers)
	}
	if len(preview.Data) != 5 || preview.TotalRows != 6 {
		t.Fatalf("rows = %d total = %d", len(preview.Data), preview.TotalRows)
	}
	if preview.Data[0]["sepal_length"] != "5.1" || preview.Data[4]["sepal_width"] != "3.6" {
		t.Fatalf("unexpected rows: %v", preview.Data)
	}
}

func TestPreviewConcurrentCallsAgree(t *testing.T) {
	store := newStore(t)
	rec := createIris(t, store, "u1")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := store.Preview(rec.ID)
			if err == nil && p.TotalRows != 6 {
				err = fmt.Errorf("total rows = %d", p.TotalRows)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestPreviewRejectsBinaryFiles(t *testing.T) {
	store := newStore(t)
	rec, err := store.Create(Record{Name: "weights", Type: TypeTesting, FileName: "model.bin", UserID: "u"}, strings.NewReader("\x00\x01"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Preview(rec.ID); !errors.Is(err, ErrNotTabular) {
		t.Fatalf("expected ErrNotTabular, got %v", err)
	}
}

func TestDescribeRendersContextBlock(t *testing.T) {
	store := newStore(t)
	rec := createIris(t, store, "u1")
	block, err := store.Describe([]string{rec.ID})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	for _, want := range []string{"- iris (training, text/csv): " + rec.FilePath, "Target variable: species", "Shape: 6 rows x 3 columns"} {
		if !strings.Contains(block, want) {
			t.Fatalf("block missing %q:\n%s", want, block)
		}
	}
	if _, err := store.Describe([]string{"missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if block, err := store.Describe(nil); err != nil || block != "" {
		t.Fatalf("Describe(nil) = %q, %v", block, err)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "datasets")
	store, _ := NewStore(dir)
	rec := createIris(t, store, "u1")
	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Get(rec.ID); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
}
