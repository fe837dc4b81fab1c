// internal/config/config.go
//
// This package handles configuration and the .stepforge directory structure.
// Every project that runs stepforge gets a .stepforge/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/stepforge/internal/synth"
)

const (
	// StateDir is the name of the directory we create in each project.
	StateDir = ".stepforge"

	EngineLLM    = "llm"
	EngineScript = "script"

	defaultAPIKeyEnv       = "DEEPSEEK_API_KEY"
	defaultBaseURL         = "https://api.deepseek.com"
	defaultModel           = "deepseek-chat"
	defaultInterpreter     = "python"
	defaultCheckFile       = "generated_code.py"
	defaultSubscriberQueue = 4096
)

const defaultProjectConfigYAML = `# stepforge project configuration
version: 1

engine:
  # llm talks to an OpenAI-compatible endpoint; script runs a yaegi engine from .stepforge/engines.
  kind: llm
  base_url: https://api.deepseek.com
  model: deepseek-chat
  # The key itself is read from this environment variable (a .env file works too).
  api_key_env: DEEPSEEK_API_KEY
  # script: engines/echo.go
  temperature:
    planner: 0.2
    writer: 0.1
    revisor: 0.5
    refiner: 0.2
  top_p: 0.9

# 0s disables the bound for plan, revise and refine.
timeouts:
  plan: 2m
  generate: 60s
  check: 30s
  revise: 3m
  refine: 5m

checker:
  interpreter: python
  file_name: generated_code.py

server:
  host: 127.0.0.1
  port: 5001
  abandon_on_disconnect: true

events:
  subscriber_queue: 4096
`

// RoleTemperatures holds per-role sampling temperatures. Nil means default.
type RoleTemperatures struct {
	Planner *float64 `yaml:"planner,omitempty"`
	Writer  *float64 `yaml:"writer,omitempty"`
	Revisor *float64 `yaml:"revisor,omitempty"`
	Refiner *float64 `yaml:"refiner,omitempty"`
}

// EngineConfig selects and configures the synthesis engine.
type EngineConfig struct {
	Kind        string           `yaml:"kind"`
	BaseURL     string           `yaml:"base_url,omitempty"`
	Model       string           `yaml:"model,omitempty"`
	APIKeyEnv   string           `yaml:"api_key_env,omitempty"`
	Script      string           `yaml:"script,omitempty"`
	Temperature RoleTemperatures `yaml:"temperature,omitempty"`
	TopP        *float64         `yaml:"top_p,omitempty"`
}

// TimeoutConfig holds Go duration strings per engine operation.
type TimeoutConfig struct {
	Plan     string `yaml:"plan,omitempty"`
	Generate string `yaml:"generate,omitempty"`
	Check    string `yaml:"check,omitempty"`
	Revise   string `yaml:"revise,omitempty"`
	Refine   string `yaml:"refine,omitempty"`
}

// CheckerConfig describes how artifacts are executed.
type CheckerConfig struct {
	Interpreter string   `yaml:"interpreter,omitempty"`
	Args        []string `yaml:"args,omitempty"`
	FileName    string   `yaml:"file_name,omitempty"`
}

// ServerConfig is the raw server section; internal/server applies defaults.
type ServerConfig struct {
	Host                string `yaml:"host,omitempty"`
	Port                int    `yaml:"port,omitempty"`
	MaxBodyBytes        int64  `yaml:"max_body_bytes,omitempty"`
	MaxUploadBytes      int64  `yaml:"max_upload_bytes,omitempty"`
	ReadTimeout         string `yaml:"read_timeout,omitempty"`
	IdleTimeout         string `yaml:"idle_timeout,omitempty"`
	AbandonOnDisconnect *bool  `yaml:"abandon_on_disconnect,omitempty"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	SubscriberQueue int `yaml:"subscriber_queue,omitempty"`
}

// ProjectConfig models .stepforge/config.yaml.
type ProjectConfig struct {
	Version  int           `yaml:"version"`
	Engine   EngineConfig  `yaml:"engine"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Checker  CheckerConfig `yaml:"checker"`
	Server   ServerConfig  `yaml:"server"`
	Events   EventsConfig  `yaml:"events"`
}

// Config holds the runtime configuration.
type Config struct {
	// ProjectDir is the directory stepforge runs against.
	ProjectDir string
	// StatePath is ProjectDir/.stepforge.
	StatePath string

	Project ProjectConfig

	timeouts synth.Timeouts
}

// InitProjectDir creates the .stepforge directory structure and a default
// config file when none exists.
//
//	.stepforge/
//	├── config.yaml
//	├── logs/          process log
//	├── sessions/      per-session journals
//	├── datasets/      index.json + files/
//	├── artifacts/     one directory per completed session
//	└── engines/       yaegi engine scripts
func InitProjectDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, StateDir)
	dirs := []string{
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "sessions"),
		filepath.Join(stateDir, "datasets", "files"),
		filepath.Join(stateDir, "artifacts"),
		filepath.Join(stateDir, "engines"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// Load reads .env files and .stepforge/config.yaml for projectDir, then
// applies environment overrides. A missing config file yields defaults.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(strings.TrimSpace(projectDir))
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StatePath:  filepath.Join(abs, StateDir),
		Project:    defaultProjectConfig(),
	}
	if err := loadDotEnv(abs); err != nil {
		return nil, err
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv populates the environment from the project .env and then
// .stepforge/.env. Variables that are already set are left alone.
func loadDotEnv(projectDir string) error {
	for _, path := range []string{
		filepath.Join(projectDir, ".env"),
		filepath.Join(projectDir, StateDir, ".env"),
	} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	return nil
}

// ConfigPath returns the on-disk location for the project config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StatePath, "config.yaml")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StatePath, "logs")
}

// SessionsDir holds per-session journals.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StatePath, "sessions")
}

// DatasetsDir holds the dataset index and uploaded files.
func (c *Config) DatasetsDir() string {
	return filepath.Join(c.StatePath, "datasets")
}

// ArtifactsDir holds persisted final artifacts.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.StatePath, "artifacts")
}

// EnginesDir holds yaegi engine scripts.
func (c *Config) EnginesDir() string {
	return filepath.Join(c.StatePath, "engines")
}

// ScriptPath resolves engine.script; relative paths are taken from .stepforge.
func (c *Config) ScriptPath() string {
	return resolvePath(c.StatePath, c.Project.Engine.Script)
}

// APIKey reads the engine key from the configured environment variable.
func (c *Config) APIKey() string {
	return strings.TrimSpace(os.Getenv(c.Project.Engine.APIKeyEnv))
}

// Timeouts returns the parsed engine bounds.
func (c *Config) Timeouts() synth.Timeouts {
	return c.timeouts
}

// Temperatures returns planner, writer, revisor and refiner temperatures.
func (c *Config) Temperatures() (planner, writer, revisor, refiner float64) {
	t := c.Project.Engine.Temperature
	return *t.Planner, *t.Writer, *t.Revisor, *t.Refiner
}

// TopP returns the shared nucleus sampling value.
func (c *Config) TopP() float64 {
	return *c.Project.Engine.TopP
}

// AbandonOnDisconnect reports whether a closed stream abandons its session.
func (c *Config) AbandonOnDisconnect() bool {
	return *c.Project.Server.AbandonOnDisconnect
}

func (c *Config) loadProjectConfig() error {
	path := c.ConfigPath()
	parsed := defaultProjectConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.applyEnvOverrides()
	parsed.normalize()
	timeouts, err := parsed.validate()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = parsed
	c.timeouts = timeouts
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{Version: 1}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	e := &pc.Engine
	if strings.TrimSpace(e.Kind) == "" {
		e.Kind = EngineLLM
	}
	if strings.TrimSpace(e.BaseURL) == "" {
		e.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(e.Model) == "" {
		e.Model = defaultModel
	}
	if strings.TrimSpace(e.APIKeyEnv) == "" {
		e.APIKeyEnv = defaultAPIKeyEnv
	}
	e.Temperature.Planner = orDefault(e.Temperature.Planner, 0.2)
	e.Temperature.Writer = orDefault(e.Temperature.Writer, 0.1)
	e.Temperature.Revisor = orDefault(e.Temperature.Revisor, 0.5)
	e.Temperature.Refiner = orDefault(e.Temperature.Refiner, 0.2)
	e.TopP = orDefault(e.TopP, 0.9)

	defaults := synth.DefaultTimeouts()
	t := &pc.Timeouts
	t.Plan = orDuration(t.Plan, defaults.Plan)
	t.Generate = orDuration(t.Generate, defaults.Generate)
	t.Check = orDuration(t.Check, defaults.Check)
	t.Revise = orDuration(t.Revise, defaults.Revise)
	t.Refine = orDuration(t.Refine, defaults.Refine)

	if strings.TrimSpace(pc.Checker.Interpreter) == "" {
		pc.Checker.Interpreter = defaultInterpreter
	}
	if strings.TrimSpace(pc.Checker.FileName) == "" {
		pc.Checker.FileName = defaultCheckFile
	}
	if pc.Server.AbandonOnDisconnect == nil {
		enabled := true
		pc.Server.AbandonOnDisconnect = &enabled
	}
	if pc.Events.SubscriberQueue <= 0 {
		pc.Events.SubscriberQueue = defaultSubscriberQueue
	}
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if host := strings.TrimSpace(os.Getenv("STEPFORGE_HOST")); host != "" {
		pc.Server.Host = host
	}
	if port := strings.TrimSpace(os.Getenv("STEPFORGE_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed > 0 && parsed <= 65535 {
			pc.Server.Port = parsed
		}
	}
	if model := strings.TrimSpace(os.Getenv("STEPFORGE_MODEL")); model != "" {
		pc.Engine.Model = model
	}
	if baseURL := strings.TrimSpace(os.Getenv("STEPFORGE_BASE_URL")); baseURL != "" {
		pc.Engine.BaseURL = baseURL
	}
	if kind := strings.TrimSpace(os.Getenv("STEPFORGE_ENGINE")); kind != "" {
		pc.Engine.Kind = kind
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Engine.Kind = strings.ToLower(strings.TrimSpace(pc.Engine.Kind))
	pc.Engine.BaseURL = strings.TrimSpace(pc.Engine.BaseURL)
	pc.Engine.Model = strings.TrimSpace(pc.Engine.Model)
	pc.Engine.APIKeyEnv = strings.TrimSpace(pc.Engine.APIKeyEnv)
	pc.Engine.Script = strings.TrimSpace(pc.Engine.Script)
	pc.Checker.Interpreter = strings.TrimSpace(pc.Checker.Interpreter)
	pc.Checker.FileName = filepath.Base(strings.TrimSpace(pc.Checker.FileName))
	pc.Server.Host = strings.TrimSpace(pc.Server.Host)
}

func (pc *ProjectConfig) validate() (synth.Timeouts, error) {
	var timeouts synth.Timeouts
	if pc.Version < 1 {
		return timeouts, fmt.Errorf("config version must be >= 1")
	}
	switch pc.Engine.Kind {
	case EngineLLM:
	case EngineScript:
		if pc.Engine.Script == "" {
			return timeouts, fmt.Errorf("engine.script is required when engine.kind is script")
		}
	default:
		return timeouts, fmt.Errorf("engine.kind must be %q or %q", EngineLLM, EngineScript)
	}
	if p := *pc.Engine.TopP; p <= 0 || p > 1 {
		return timeouts, fmt.Errorf("engine.top_p must be in (0, 1]")
	}
	for name, value := range map[string]*float64{
		"planner": pc.Engine.Temperature.Planner,
		"writer":  pc.Engine.Temperature.Writer,
		"revisor": pc.Engine.Temperature.Revisor,
		"refiner": pc.Engine.Temperature.Refiner,
	} {
		if *value < 0 || *value > 2 {
			return timeouts, fmt.Errorf("engine.temperature.%s must be in [0, 2]", name)
		}
	}

	fields := []struct {
		name      string
		raw       string
		target    *time.Duration
		allowZero bool
	}{
		{"plan", pc.Timeouts.Plan, &timeouts.Plan, true},
		{"generate", pc.Timeouts.Generate, &timeouts.Generate, false},
		{"check", pc.Timeouts.Check, &timeouts.Check, false},
		{"revise", pc.Timeouts.Revise, &timeouts.Revise, true},
		{"refine", pc.Timeouts.Refine, &timeouts.Refine, true},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return timeouts, fmt.Errorf("timeouts.%s: %w", f.name, err)
		}
		if d < 0 || (d == 0 && !f.allowZero) {
			return timeouts, fmt.Errorf("timeouts.%s must be positive", f.name)
		}
		*f.target = d
	}

	if pc.Checker.FileName == "." || pc.Checker.FileName == string(filepath.Separator) {
		return timeouts, fmt.Errorf("checker.file_name is invalid")
	}
	if pc.Server.Port < 0 || pc.Server.Port > 65535 {
		return timeouts, fmt.Errorf("server.port must be between 1 and 65535")
	}
	for _, raw := range []string{pc.Server.ReadTimeout, pc.Server.IdleTimeout} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return timeouts, fmt.Errorf("server: %w", err)
		}
	}
	return timeouts, nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write default config: %w", err)
	}
	return nil
}

func orDefault(value *float64, fallback float64) *float64 {
	if value != nil {
		return value
	}
	return &fallback
}

func orDuration(raw string, fallback time.Duration) string {
	if strings.TrimSpace(raw) != "" {
		return raw
	}
	return fallback.String()
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
