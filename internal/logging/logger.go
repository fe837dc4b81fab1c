package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/stepforge/internal/config"
)

// FileName is the process log under .stepforge/logs.
const FileName = "stepforge.log"

// Option customizes a Logger.
type Option func(*Logger)

// WithMirror copies every line to w (stderr when serving).
func WithMirror(w io.Writer) Option {
	return func(l *Logger) {
		l.mirror = w
	}
}

// WithLevel sets the verbosity: "debug" enables Debugf, "quiet" drops the
// mirror. Anything else behaves like "info".
func WithLevel(level string) Option {
	return func(l *Logger) {
		l.level = strings.ToLower(strings.TrimSpace(level))
	}
}

// Logger appends timestamped lines to .stepforge/logs/stepforge.log so
// failed sessions can be inspected after the process exits.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
	level  string
}

// New creates (or reuses) the log file for projectDir.
func New(projectDir string, opts ...Option) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.StateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	l := &Logger{file: f, level: "info"}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.level == "quiet" {
		l.mirror = nil
	}
	return l, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	entry := fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339), line)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.file, entry)
	if l.mirror != nil {
		_, _ = io.WriteString(l.mirror, entry)
	}
}

// Debugf writes only when the level is "debug".
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || l.level != "debug" {
		return
	}
	l.Printf("debug: "+format, args...)
}
