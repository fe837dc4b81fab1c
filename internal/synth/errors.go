package synth

import (
	"errors"
	"fmt"
	"time"
)

// VerificationTimeout is the diagnostics text recorded when Check exceeds its bound.
const VerificationTimeout = "timeout"

var errEmptyPlan = errors.New("plan contains no steps")

// PlanningError aborts a session before any step runs.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed: %v", e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// StepTimeoutError reports a GenerateStep call that exceeded its bound.
type StepTimeoutError struct {
	Index   int
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %d timed out after %s", e.Index, e.Timeout)
}

// StepSynthesisError reports any other GenerateStep failure.
type StepSynthesisError struct {
	Index int
	Err   error
}

func (e *StepSynthesisError) Error() string {
	return fmt.Sprintf("step %d synthesis failed: %v", e.Index, e.Err)
}

func (e *StepSynthesisError) Unwrap() error { return e.Err }

// RevisionError aborts a session when repairing a failed check fails.
type RevisionError struct {
	Index int
	Err   error
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("revision after step %d failed: %v", e.Index, e.Err)
}

func (e *RevisionError) Unwrap() error { return e.Err }

// RefinementError aborts a session during the final pass; the artifact is discarded.
type RefinementError struct {
	Err error
}

func (e *RefinementError) Error() string {
	return fmt.Sprintf("refinement failed: %v", e.Err)
}

func (e *RefinementError) Unwrap() error { return e.Err }

// CallTimeoutError reports a bounded call (plan, revise, refine) that ran out of time.
type CallTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Fatal reports whether err must terminate the session.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	var timeout *StepTimeoutError
	var synth *StepSynthesisError
	return !errors.As(err, &timeout) && !errors.As(err, &synth)
}
