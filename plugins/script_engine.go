package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/stepforge/internal/synth"
)

type (
	planFunc     = func(string) ([]string, error)
	generateFunc = func(string, string, int, string) (string, error)
	checkFunc    = func(string) (bool, string)
	reviseFunc   = func(string, string, string) (string, error)
	refineFunc   = func(string, string) (string, error)
)

// ScriptEngine is a synth.Engine whose operations are plain Go functions
// interpreted with yaegi. Script calls ignore ctx; deadlines are enforced by
// synth.Bounded abandoning the call.
type ScriptEngine struct {
	path     string
	plan     planFunc
	generate generateFunc
	check    checkFunc
	revise   reviseFunc
	refine   refineFunc
}

var _ synth.Engine = (*ScriptEngine)(nil)

// LoadScriptEngine interprets the Go file at path. The file must declare
// package main and define Plan, GenerateStep, Check, Revise and Refine.
func LoadScriptEngine(path string) (*ScriptEngine, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("plugin: engine script path is empty")
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	engine := &ScriptEngine{path: path}
	if engine.plan, err = lookup[planFunc](i, "Plan", "func(string) ([]string, error)"); err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	if engine.generate, err = lookup[generateFunc](i, "GenerateStep", "func(string, string, int, string) (string, error)"); err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	if engine.check, err = lookup[checkFunc](i, "Check", "func(string) (bool, string)"); err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	if engine.revise, err = lookup[reviseFunc](i, "Revise", "func(string, string, string) (string, error)"); err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	if engine.refine, err = lookup[refineFunc](i, "Refine", "func(string, string) (string, error)"); err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	return engine, nil
}

func lookup[F any](i *interp.Interpreter, name, signature string) (F, error) {
	var zero F
	value, err := i.Eval(name)
	if err != nil {
		return zero, fmt.Errorf("must define %s %s: %w", name, signature, err)
	}
	if !value.IsValid() || !value.CanInterface() {
		return zero, fmt.Errorf("missing %s function", name)
	}
	fn, ok := value.Interface().(F)
	if !ok {
		return zero, fmt.Errorf("%s must have signature %s", name, signature)
	}
	return fn, nil
}

// Path reports the script the engine was loaded from.
func (s *ScriptEngine) Path() string {
	return s.path
}

func (s *ScriptEngine) Plan(_ context.Context, prompt string) ([]string, error) {
	return s.plan(prompt)
}

func (s *ScriptEngine) GenerateStep(_ context.Context, prompt, description string, index int, prior string) (string, error) {
	return s.generate(prompt, description, index, prior)
}

func (s *ScriptEngine) Check(_ context.Context, artifact string) (synth.CheckResult, error) {
	ok, diagnostics := s.check(artifact)
	if ok {
		return synth.Passed(), nil
	}
	return synth.Failed(diagnostics), nil
}

func (s *ScriptEngine) Revise(_ context.Context, prompt, artifact, diagnostics string) (string, error) {
	return s.revise(prompt, artifact, diagnostics)
}

func (s *ScriptEngine) Refine(_ context.Context, prompt, artifact string) (string, error) {
	return s.refine(prompt, artifact)
}

// DiscoverScripts lists the .go engine scripts directly under dir, sorted.
// A missing directory yields no scripts.
func DiscoverScripts(dir string) ([]string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var scripts []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		scripts = append(scripts, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(scripts)
	return scripts, nil
}
