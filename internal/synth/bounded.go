package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPlanTimeout     = 2 * time.Minute
	DefaultGenerateTimeout = 60 * time.Second
	DefaultCheckTimeout    = 30 * time.Second
	DefaultReviseTimeout   = 3 * time.Minute
	DefaultRefineTimeout   = 5 * time.Minute
)

// Timeouts bounds each engine operation. A zero bound disables the deadline
// for plan, revise and refine; generate and check always carry one.
type Timeouts struct {
	Plan     time.Duration
	Generate time.Duration
	Check    time.Duration
	Revise   time.Duration
	Refine   time.Duration
}

// DefaultTimeouts returns the bounds used when configuration is silent.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Plan:     DefaultPlanTimeout,
		Generate: DefaultGenerateTimeout,
		Check:    DefaultCheckTimeout,
		Revise:   DefaultReviseTimeout,
		Refine:   DefaultRefineTimeout,
	}
}

func (t Timeouts) normalized() Timeouts {
	if t.Generate <= 0 {
		t.Generate = DefaultGenerateTimeout
	}
	if t.Check <= 0 {
		t.Check = DefaultCheckTimeout
	}
	if t.Plan < 0 {
		t.Plan = 0
	}
	if t.Revise < 0 {
		t.Revise = 0
	}
	if t.Refine < 0 {
		t.Refine = 0
	}
	return t
}

// Bounded decorates an Engine with per-call deadlines. A call that outlives
// its deadline is abandoned: the caller resumes immediately and whatever the
// engine eventually returns is dropped.
type Bounded struct {
	engine   Engine
	timeouts Timeouts
}

var _ Engine = (*Bounded)(nil)

// NewBounded wraps engine with the supplied bounds.
func NewBounded(engine Engine, timeouts Timeouts) (*Bounded, error) {
	if engine == nil {
		return nil, fmt.Errorf("synth: engine is required")
	}
	return &Bounded{engine: engine, timeouts: timeouts.normalized()}, nil
}

// Timeouts exposes the effective bounds.
func (b *Bounded) Timeouts() Timeouts {
	return b.timeouts
}

// Plan returns a *CallTimeoutError when the plan bound elapses and rejects
// plans without any non-blank step.
func (b *Bounded) Plan(ctx context.Context, prompt string) ([]string, error) {
	steps, timedOut, err := call(ctx, b.timeouts.Plan, func(ctx context.Context) ([]string, error) {
		return b.engine.Plan(ctx, prompt)
	})
	if timedOut {
		return nil, &CallTimeoutError{Op: "plan", Timeout: b.timeouts.Plan}
	}
	if err != nil {
		return nil, err
	}
	return NormalizePlan(steps)
}

// GenerateStep returns a *StepTimeoutError when the generate bound elapses.
func (b *Bounded) GenerateStep(ctx context.Context, prompt, description string, index int, prior string) (string, error) {
	code, timedOut, err := call(ctx, b.timeouts.Generate, func(ctx context.Context) (string, error) {
		return b.engine.GenerateStep(ctx, prompt, description, index, prior)
	})
	if timedOut {
		return "", &StepTimeoutError{Index: index, Timeout: b.timeouts.Generate}
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(code) == "" {
		return "", errors.New("engine returned no code")
	}
	return code, nil
}

// Check never fails: timeouts and engine errors become failed results.
func (b *Bounded) Check(ctx context.Context, artifact string) (CheckResult, error) {
	result, timedOut, err := call(ctx, b.timeouts.Check, func(ctx context.Context) (CheckResult, error) {
		return b.engine.Check(ctx, artifact)
	})
	if timedOut {
		return Failed(VerificationTimeout), nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return CheckResult{}, ctx.Err()
		}
		return Failed(err.Error()), nil
	}
	return result, nil
}

// Revise returns a *CallTimeoutError when the revise bound elapses.
func (b *Bounded) Revise(ctx context.Context, prompt, artifact, diagnostics string) (string, error) {
	revised, timedOut, err := call(ctx, b.timeouts.Revise, func(ctx context.Context) (string, error) {
		return b.engine.Revise(ctx, prompt, artifact, diagnostics)
	})
	if timedOut {
		return "", &CallTimeoutError{Op: "revise", Timeout: b.timeouts.Revise}
	}
	return revised, err
}

// Refine returns a *CallTimeoutError when the refine bound elapses.
func (b *Bounded) Refine(ctx context.Context, prompt, artifact string) (string, error) {
	refined, timedOut, err := call(ctx, b.timeouts.Refine, func(ctx context.Context) (string, error) {
		return b.engine.Refine(ctx, prompt, artifact)
	})
	if timedOut {
		return "", &CallTimeoutError{Op: "refine", Timeout: b.timeouts.Refine}
	}
	return refined, err
}

type outcome[T any] struct {
	value T
	err   error
}

// call runs fn under limit. It reports timedOut only when the limit, not the
// parent context, ended the call.
func call[T any](ctx context.Context, limit time.Duration, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if limit <= 0 {
		value, err := fn(ctx)
		return value, false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	done := make(chan outcome[T], 1)
	go func() {
		value, err := fn(callCtx)
		done <- outcome[T]{value: value, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, true, nil
		}
		return res.value, false, res.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		return zero, true, nil
	}
}
