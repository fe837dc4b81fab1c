// Package agent implements the synthesis engine on top of a chat completion
// model: a planner, a step writer, a revisor and a refiner, each a single
// prompt with its own sampling settings. Verification is delegated to a
// Checker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/stepforge/internal/llm"
	"github.com/kingrea/stepforge/internal/synth"
)

// Checker verifies an artifact; *checker.Runner satisfies it.
type Checker interface {
	Check(ctx context.Context, artifact string) (synth.CheckResult, error)
}

// Logger matches the minimal Printf interface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes an Engine.
type Option func(*Engine)

// WithSampling overrides the per-role sampling settings.
func WithSampling(s Sampling) Option {
	return func(e *Engine) {
		e.roles = newRoles(s)
	}
}

// WithLogger routes request diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithModel pins the model name sent with every request.
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = strings.TrimSpace(model)
	}
}

// Engine is an LLM-backed synth.Engine.
type Engine struct {
	chat    llm.Chatter
	checker Checker
	roles   roles
	model   string
	logger  Logger
}

var _ synth.Engine = (*Engine)(nil)

// New wires an Engine to a chat client and a checker.
func New(chat llm.Chatter, checker Checker, opts ...Option) (*Engine, error) {
	if chat == nil {
		return nil, errors.New("agent: chat client is required")
	}
	if checker == nil {
		return nil, errors.New("agent: checker is required")
	}
	e := &Engine{
		chat:    chat,
		checker: checker,
		roles:   newRoles(DefaultSampling()),
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Plan asks the planner for a step decomposition of prompt.
func (e *Engine) Plan(ctx context.Context, prompt string) ([]string, error) {
	text, err := render("planner", promptData{Task: prompt})
	if err != nil {
		return nil, err
	}
	reply, err := e.ask(ctx, e.roles.planner, text)
	if err != nil {
		return nil, err
	}
	steps := ParsePlan(reply)
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner reply has no \"Step i:\" entries")
	}
	return steps, nil
}

// GenerateStep asks the writer for the code of step index given the code of
// the previous steps. The result always carries the step's comment header.
func (e *Engine) GenerateStep(ctx context.Context, prompt, description string, index int, prior string) (string, error) {
	header := stepHeader(index, description)
	text, err := render("writer", promptData{Task: prompt, Prior: strings.TrimSpace(prior), Header: header})
	if err != nil {
		return "", err
	}
	reply, err := e.ask(ctx, e.roles.writer, text)
	if err != nil {
		return "", err
	}
	code := ExtractCode(reply)
	if !strings.Contains(code, fmt.Sprintf("Step %d:", index)) {
		code = header + "\n\n" + code
	}
	return code, nil
}

// Check runs the artifact through the configured checker.
func (e *Engine) Check(ctx context.Context, artifact string) (synth.CheckResult, error) {
	return e.checker.Check(ctx, artifact)
}

// Revise asks the revisor to repair artifact given diagnostics.
func (e *Engine) Revise(ctx context.Context, prompt, artifact, diagnostics string) (string, error) {
	text, err := render("revisor", promptData{Task: prompt, Artifact: artifact, Diagnostics: diagnostics})
	if err != nil {
		return "", err
	}
	reply, err := e.ask(ctx, e.roles.revisor, text)
	if err != nil {
		return "", err
	}
	return ExtractCode(reply), nil
}

// Refine asks the refiner for the final version of artifact.
func (e *Engine) Refine(ctx context.Context, prompt, artifact string) (string, error) {
	text, err := render("refiner", promptData{Task: prompt, Artifact: artifact})
	if err != nil {
		return "", err
	}
	reply, err := e.ask(ctx, e.roles.refiner, text)
	if err != nil {
		return "", err
	}
	return ExtractCode(reply), nil
}

func (e *Engine) ask(ctx context.Context, role Role, prompt string) (string, error) {
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: "system", Content: role.System},
			{Role: "user", Content: prompt},
		},
		Temperature: role.Temperature,
		TopP:        role.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", role.Name, err)
	}
	if resp.FinishReason == "length" {
		e.logger.Printf("agent: %s reply truncated at the token limit", role.Name)
	}
	return resp.Content, nil
}
