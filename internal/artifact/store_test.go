package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	store := NewStore(t.TempDir(), WithClock(func() time.Time { return stamp }))
	code := "# Step 1: load\nimport pandas as pd\n"
	meta, err := store.Save(Record{
		Metadata: Metadata{SessionID: "s1", Prompt: "predict churn", Steps: []string{"load", "train"}, DatasetRefs: []string{"d1"}},
		Code:     code,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if meta.Checksum != Checksum(code) || !meta.CreatedAt.Equal(stamp) {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	raw, err := os.ReadFile(filepath.Join(store.Dir("s1"), CodeFileName))
	if err != nil || string(raw) != code {
		t.Fatalf("code file = %q, %v", raw, err)
	}
	doc, _ := os.ReadFile(filepath.Join(store.Dir("s1"), ResultFileName))
	if !strings.HasPrefix(string(doc), "---\nstepforge:\n") || !strings.Contains(string(doc), "```python\n# Step 1: load\nimport pandas as pd\n```\n") {
		t.Fatalf("unexpected result document:\n%s", doc)
	}

	rec, err := store.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Code != code || rec.Metadata.Prompt != "predict churn" || len(rec.Metadata.Steps) != 2 || rec.Metadata.DatasetRefs[0] != "d1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Save(Record{Metadata: Metadata{SessionID: "s1", Prompt: "p"}, Code: "x = 1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir("s1"), CodeFileName), []byte("x = 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("s1"); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := NewStore(t.TempDir()).Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRejectsUnsafeSessionIDs(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := store.Save(Record{Metadata: Metadata{SessionID: id, Prompt: "p"}, Code: "x"}); err == nil {
			t.Fatalf("expected error for session id %q", id)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewStore(t.TempDir(), WithClock(func() time.Time { return now }))
	_, _ = store.Save(Record{Metadata: Metadata{SessionID: "old", Prompt: "p"}, Code: "a"})
	now = now.Add(time.Hour)
	_, _ = store.Save(Record{Metadata: Metadata{SessionID: "new", Prompt: "p"}, Code: "b"})
	metas, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 || metas[0].SessionID != "new" || metas[1].SessionID != "old" {
		t.Fatalf("unexpected order: %+v", metas)
	}
}

func TestParseFrontMatterErrors(t *testing.T) {
	if _, _, err := ParseFrontMatter([]byte("no fence")); !errors.Is(err, ErrMissingFrontMatter) {
		t.Fatalf("expected missing frontmatter, got %v", err)
	}
	if _, _, err := ParseFrontMatter([]byte("---\nstepforge:\n  session: s\n")); !errors.Is(err, ErrMalformedFrontMatter) {
		t.Fatalf("expected malformed frontmatter, got %v", err)
	}
}
