package pipeline

import (
	"context"
	"errors"

	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/synth"
)

// executor generates one step and hands the result to the repair loop.
type executor struct {
	o *Orchestrator
}

// run returns nil when the step finished, even with a recorded error; only
// fatal failures and ErrAbandoned are returned.
func (e *executor) run(ctx context.Context, step *Step) error {
	o := e.o
	s := o.session

	step.Status = StepGenerating
	o.stepChanged()
	o.emit(eventbus.KindStepStarted, StepPayload{Index: step.Index, Description: step.Description})

	raw, err := o.engine.GenerateStep(ctx, s.task(), step.Description, step.Index, s.Artifact)
	if o.isAbandoned() {
		return ErrAbandoned
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var timeout *synth.StepTimeoutError
		if !errors.As(err, &timeout) {
			err = &synth.StepSynthesisError{Index: step.Index, Err: err}
		}
		o.logger.Printf("pipeline: session %s step %d skipped: %v", s.ID, step.Index, err)
		step.Status = StepError
		step.LastError = err.Error()
		o.stepChanged()
		o.emit(eventbus.KindStepError, StepPayload{Index: step.Index, Error: err.Error(), Stage: StageGenerate})
		return err
	}

	delta := ExtractDelta(step.Index, raw)
	step.Code = delta
	s.Artifact = Accumulate(s.Artifact, delta)
	o.stepChanged()
	o.emit(eventbus.KindStepComplete, StepPayload{Index: step.Index, Code: delta, Artifact: s.Artifact})

	return (&repairLoop{o: o}).verify(ctx, step)
}
