package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/stepforge/internal/config"
)

func TestPrintfWritesFileAndMirror(t *testing.T) {
	dir := t.TempDir()
	var mirror bytes.Buffer
	logger, err := New(dir, WithMirror(&mirror))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Printf("server: listening on %s\n", "127.0.0.1:5001")
	logger.Debugf("hidden")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, config.StateDir, "logs", FileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "] server: listening on 127.0.0.1:5001\n") {
		t.Fatalf("unexpected log contents: %q", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("debug line written at info level")
	}
	if mirror.String() != string(data) {
		t.Fatalf("mirror = %q, file = %q", mirror.String(), data)
	}
}

func TestQuietDropsMirrorAndDebugEnables(t *testing.T) {
	var mirror bytes.Buffer
	quiet, err := New(t.TempDir(), WithMirror(&mirror), WithLevel("quiet"))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	quiet.Printf("x")
	_ = quiet.Close()
	if mirror.Len() != 0 {
		t.Fatalf("quiet logger mirrored %q", mirror.String())
	}

	dir := t.TempDir()
	debug, _ := New(dir, WithLevel("DEBUG"))
	debug.Debugf("engine=%s", "script")
	_ = debug.Close()
	data, _ := os.ReadFile(filepath.Join(dir, config.StateDir, "logs", FileName))
	if !strings.Contains(string(data), "debug: engine=script") {
		t.Fatalf("debug line missing: %q", data)
	}
}
