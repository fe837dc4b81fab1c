package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/synth"
)

// repairLoop verifies the artifact after a step and, on failure, performs a
// single revision. The revised artifact is not checked again.
type repairLoop struct {
	o *Orchestrator
}

func (r *repairLoop) verify(ctx context.Context, step *Step) error {
	o := r.o
	s := o.session

	step.Status = StepChecking
	o.stepChanged()
	o.emit(eventbus.KindStepChecking, StepPayload{Index: step.Index})

	result, err := o.engine.Check(ctx, s.Artifact)
	if o.isAbandoned() {
		return ErrAbandoned
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result = synth.Failed(err.Error())
	}
	if result.Success {
		step.Status = StepChecked
		step.LastError = ""
		o.stepChanged()
		o.emit(eventbus.KindStepChecked, StepPayload{Index: step.Index})
		return nil
	}

	step.Status = StepError
	step.LastError = result.Diagnostics
	o.stepChanged()
	o.emit(eventbus.KindStepError, StepPayload{Index: step.Index, Error: result.Diagnostics, Stage: StageCheck})

	return r.revise(ctx, step, result.Diagnostics)
}

func (r *repairLoop) revise(ctx context.Context, step *Step, diagnostics string) error {
	o := r.o
	s := o.session

	step.Status = StepRevising
	o.stepChanged()

	revised, err := o.engine.Revise(ctx, s.task(), s.Artifact, diagnostics)
	if o.isAbandoned() {
		return ErrAbandoned
	}
	if err == nil && strings.TrimSpace(revised) == "" {
		err = errors.New("engine returned an empty artifact")
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &synth.RevisionError{Index: step.Index, Err: err}
	}

	s.Artifact = revised
	step.Status = StepRevised
	o.stepChanged()
	o.emit(eventbus.KindStepRevised, StepPayload{Index: step.Index, Artifact: revised})
	return nil
}
