package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/stepforge/internal/config"
	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/logging"
	"github.com/kingrea/stepforge/internal/pipeline"
	"github.com/kingrea/stepforge/internal/session"
)

const scriptEngine = `package main

import "fmt"

func Plan(prompt string) ([]string, error) { return []string{"compute"}, nil }

func GenerateStep(prompt, description string, index int, prior string) (string, error) {
	return fmt.Sprintf("# Step %d: %s\nx = 1", index, description), nil
}

func Check(artifact string) (bool, string) { return true, "" }

func Revise(prompt, artifact, diagnostics string) (string, error) { return artifact, nil }

func Refine(prompt, artifact string) (string, error) { return artifact + "\nprint(x)", nil }
`

func loadProject(t *testing.T, configYAML string) (*config.Config, *logging.Logger) {
	t.Helper()
	for _, key := range []string{"STEPFORGE_ENGINE", "STEPFORGE_MODEL", "STEPFORGE_BASE_URL", "STEPFORGE_HOST", "STEPFORGE_PORT"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	if err := config.InitProjectDir(dir); err != nil {
		t.Fatal(err)
	}
	if configYAML != "" {
		if err := os.WriteFile(filepath.Join(dir, config.StateDir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })
	return cfg, logger
}

func TestEngineFactoryRequiresAPIKey(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "")
	cfg, logger := loadProject(t, "")
	if _, err := engineFactory(cfg, logger); err == nil || !strings.Contains(err.Error(), "DEEPSEEK_API_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
	t.Setenv("DEEPSEEK_API_KEY", "sk-test")
	if _, err := engineFactory(cfg, logger); err != nil {
		t.Fatalf("factory with key: %v", err)
	}
}

func TestScriptEngineRunsEndToEnd(t *testing.T) {
	cfg, logger := loadProject(t, "engine:\n  kind: script\n  script: engines/fixed.go\n")
	if err := os.WriteFile(cfg.ScriptPath(), []byte(scriptEngine), 0o644); err != nil {
		t.Fatal(err)
	}
	engines, err := engineFactory(cfg, logger)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	manager, err := session.NewManager(eventbus.New(), engines, session.WithTimeouts(cfg.Timeouts()))
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := manager.Start(session.StartRequest{Prompt: "print one", Attach: true})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printEvents(&out, ticket.Subscription.Events)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := manager.Wait(ctx, ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != pipeline.StatusComplete {
		t.Fatalf("status = %s (%v)", res.Status, res.Err)
	}
	text := out.String()
	for _, want := range []string{"[1] started", "planned 1 steps", "step 1: compute", "step 1 checked", "complete", "print(x)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestEngineFactoryRejectsBrokenScript(t *testing.T) {
	cfg, logger := loadProject(t, "engine:\n  kind: script\n  script: engines/broken.go\n")
	if err := os.WriteFile(cfg.ScriptPath(), []byte("package main\n\nfunc Plan(prompt string) ([]string, error) { return nil, nil }\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := engineFactory(cfg, logger); err == nil {
		t.Fatalf("expected load error for incomplete script")
	}
}

func TestExplicitConfigFileMustBeReadable(t *testing.T) {
	old := cfgFile
	t.Cleanup(func() { cfgFile = old })

	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	if err := initConfig(); err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("expected read error for %s, got %v", cfgFile, err)
	}

	cfgFile = filepath.Join(t.TempDir(), "cli.yaml")
	if err := os.WriteFile(cfgFile, []byte("addr: 127.0.0.1:0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := initConfig(); err != nil {
		t.Fatalf("initConfig: %v", err)
	}
}
