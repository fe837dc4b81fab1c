package synth

import (
	"context"
	"strings"
)

// Engine is the synchronous capability surface used by the pipeline.
type Engine interface {
	// Plan decomposes the prompt into ordered step descriptions.
	Plan(ctx context.Context, prompt string) ([]string, error)
	// GenerateStep writes code for one step using the accumulated artifact as context.
	GenerateStep(ctx context.Context, prompt, description string, index int, prior string) (string, error)
	// Check verifies the whole artifact.
	Check(ctx context.Context, artifact string) (CheckResult, error)
	// Revise returns a repaired artifact that replaces the input wholesale.
	Revise(ctx context.Context, prompt, artifact, diagnostics string) (string, error)
	// Refine performs the single cross-step optimisation pass.
	Refine(ctx context.Context, prompt, artifact string) (string, error)
}

// CheckResult captures one verification outcome.
type CheckResult struct {
	Success     bool   `json:"success"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Failed builds a failing result carrying diagnostics.
func Failed(diagnostics string) CheckResult {
	return CheckResult{Success: false, Diagnostics: strings.TrimSpace(diagnostics)}
}

// Passed is the successful verification result.
func Passed() CheckResult {
	return CheckResult{Success: true}
}

// NormalizePlan trims descriptions and rejects empty plans.
func NormalizePlan(steps []string) ([]string, error) {
	out := make([]string, 0, len(steps))
	for _, step := range steps {
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		out = append(out, step)
	}
	if len(out) == 0 {
		return nil, errEmptyPlan
	}
	return out, nil
}
