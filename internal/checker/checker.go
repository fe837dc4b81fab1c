// Package checker verifies a generated artifact by executing it with an
// external interpreter in a scratch directory.
package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/stepforge/internal/synth"
)

const (
	DefaultInterpreter = "python"
	DefaultFileName    = "generated_code.py"
)

// Logger matches the minimal Printf interface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Runner executes artifacts. The zero value runs `python generated_code.py`.
type Runner struct {
	Interpreter string
	Args        []string
	FileName    string
	// Env is appended to the current environment.
	Env    []string
	Logger Logger
}

// Check writes artifact to a fresh temp dir and runs it. A non-zero exit is a
// failed result carrying stderr; a missing interpreter is an error. When ctx
// ends first the whole process group is killed and ctx.Err() is returned.
func (r *Runner) Check(ctx context.Context, artifact string) (synth.CheckResult, error) {
	interpreter := strings.TrimSpace(r.Interpreter)
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	fileName := strings.TrimSpace(r.FileName)
	if fileName == "" {
		fileName = DefaultFileName
	}
	logger := r.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	dir, err := os.MkdirTemp("", "stepforge-check-*")
	if err != nil {
		return synth.CheckResult{}, fmt.Errorf("checker: create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte(artifact), 0o644); err != nil {
		return synth.CheckResult{}, fmt.Errorf("checker: write artifact: %w", err)
	}

	args := append(append([]string{}, r.Args...), fileName)
	cmd := exec.CommandContext(ctx, interpreter, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started).Round(time.Millisecond)
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Printf("checker: %s interrupted after %s", interpreter, elapsed)
		return synth.CheckResult{}, ctxErr
	}
	if err == nil {
		logger.Printf("checker: %s passed in %s", interpreter, elapsed)
		return synth.Passed(), nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return synth.CheckResult{}, fmt.Errorf("checker: run %s: %w", interpreter, err)
	}
	diagnostics := strings.TrimSpace(stderr.String())
	if diagnostics == "" {
		diagnostics = strings.TrimSpace(stdout.String())
	}
	if diagnostics == "" {
		diagnostics = exitErr.Error()
	}
	logger.Printf("checker: %s exited %d in %s", interpreter, exitErr.ExitCode(), elapsed)
	return synth.Failed(diagnostics), nil
}
