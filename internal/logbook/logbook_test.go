package logbook

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions", "s1.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestAppendFoldsMultilineMessages(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	book, err := New(filepath.Join(t.TempDir(), "s.log"), WithClock(func() time.Time { return stamp }))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Error("Traceback:\n  line 3\nNameError")
	lines, total := book.Tail(10)
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if lines[0] != "2024-03-01T12:00:00Z ERROR Traceback: line 3 NameError" {
		t.Fatalf("line = %q", lines[0])
	}
}

func TestTailMissingFile(t *testing.T) {
	book, _ := New(filepath.Join(t.TempDir(), "absent.log"))
	if lines, total := book.Tail(5); lines != nil || total != 0 {
		t.Fatalf("Tail on missing file = %v, %d", lines, total)
	}
}
