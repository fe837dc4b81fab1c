package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/synth"
)

// ErrAbandoned is reported in Result.Err when the session was abandoned
// mid-run.
var ErrAbandoned = errors.New("pipeline: session abandoned")

// Publisher is the subset of *eventbus.Bus the orchestrator needs.
type Publisher interface {
	Publish(sessionID string, kind eventbus.Kind, payload any) (eventbus.Event, error)
}

// Logger matches the minimal Printf interface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger routes diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now for deterministic snapshots.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithAbandoned installs the probe consulted after every engine call. Once it
// reports true the orchestrator stops without publishing further events.
func WithAbandoned(probe func() bool) Option {
	return func(o *Orchestrator) {
		if probe != nil {
			o.abandoned = probe
		}
	}
}

// WithSnapshots registers an observer that receives a copy of the session
// after every state transition.
func WithSnapshots(observer func(Snapshot)) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observe = observer
		}
	}
}

// Orchestrator drives one session through plan, execute, verify and refine.
type Orchestrator struct {
	engine    synth.Engine
	events    Publisher
	session   *Session
	logger    Logger
	clock     func() time.Time
	abandoned func() bool
	observe   func(Snapshot)
	errMsg    string
}

// New binds an orchestrator to session.
func New(engine synth.Engine, events Publisher, session *Session, opts ...Option) (*Orchestrator, error) {
	if engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if events == nil {
		return nil, errors.New("pipeline: publisher is required")
	}
	if session == nil || session.ID == "" {
		return nil, errors.New("pipeline: session with id is required")
	}
	o := &Orchestrator{
		engine:    engine,
		events:    events,
		session:   session,
		logger:    nopLogger{},
		clock:     time.Now,
		abandoned: func() bool { return false },
		observe:   func(Snapshot) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Snapshot copies the current session state. It must be called from the
// goroutine running Run or after Run returned.
func (o *Orchestrator) Snapshot() Snapshot {
	return o.session.snapshot(o.clock(), o.errMsg)
}

// Run executes the session to a terminal state. Exactly one of complete or
// error is published unless the session is abandoned first.
func (o *Orchestrator) Run(ctx context.Context) Result {
	s := o.session
	if s.Status != StatusIdle {
		return o.result(fmt.Errorf("pipeline: session %s already %s", s.ID, s.Status))
	}

	o.transition(StatusPlanning)
	o.emit(eventbus.KindStarted, StartedPayload{Prompt: s.Prompt, DatasetRefs: s.DatasetRefs})
	o.emit(eventbus.KindPlanning, nil)

	descriptions, err := o.engine.Plan(ctx, s.task())
	if o.isAbandoned() {
		return o.abandon()
	}
	if err != nil {
		return o.fail(ctx, &synth.PlanningError{Err: err}, StagePlanning)
	}
	descriptions, err = synth.NormalizePlan(descriptions)
	if err != nil {
		return o.fail(ctx, &synth.PlanningError{Err: err}, StagePlanning)
	}
	s.Steps = make([]Step, len(descriptions))
	for i, description := range descriptions {
		s.Steps[i] = Step{Index: i + 1, Description: description, Status: StepPending}
	}
	o.transition(StatusExecuting)
	o.emit(eventbus.KindPlanningComplete, PlanningCompletePayload{Count: len(descriptions), Steps: descriptions})

	exec := &executor{o: o}
	for i := range s.Steps {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, err, StageExecuting)
		}
		if err := exec.run(ctx, &s.Steps[i]); err != nil {
			if errors.Is(err, ErrAbandoned) {
				return o.abandon()
			}
			if !synth.Fatal(err) {
				continue
			}
			return o.fail(ctx, err, stageOf(err))
		}
	}

	return o.refine(ctx)
}

func (o *Orchestrator) refine(ctx context.Context) Result {
	s := o.session
	o.transition(StatusRefining)
	o.emit(eventbus.KindRefining, nil)

	refined, err := o.engine.Refine(ctx, s.task(), s.Artifact)
	if o.isAbandoned() {
		return o.abandon()
	}
	if err == nil && refined == "" {
		err = errors.New("engine returned an empty artifact")
	}
	if err != nil {
		s.Artifact = ""
		return o.fail(ctx, &synth.RefinementError{Err: err}, StageRefining)
	}
	s.Artifact = refined
	o.transition(StatusComplete)
	o.emit(eventbus.KindComplete, CompletePayload{Artifact: refined})
	res := o.result(nil)
	res.Artifact = refined
	return res
}

func (o *Orchestrator) fail(ctx context.Context, err error, stage Stage) Result {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("session cancelled: %w", err)
	}
	o.errMsg = err.Error()
	o.logger.Printf("pipeline: session %s failed during %s: %v", o.session.ID, stage, err)
	o.transition(StatusFailed)
	o.emit(eventbus.KindError, ErrorPayload{Message: err.Error(), Stage: stage})
	return o.result(err)
}

func (o *Orchestrator) abandon() Result {
	o.logger.Printf("pipeline: session %s abandoned while %s", o.session.ID, o.session.Status)
	o.errMsg = ErrAbandoned.Error()
	o.session.Status = StatusFailed
	res := o.result(ErrAbandoned)
	res.Abandoned = true
	return res
}

func (o *Orchestrator) result(err error) Result {
	steps := make([]Step, len(o.session.Steps))
	copy(steps, o.session.Steps)
	return Result{
		SessionID: o.session.ID,
		Status:    o.session.Status,
		Steps:     steps,
		Err:       err,
	}
}

func (o *Orchestrator) isAbandoned() bool {
	return o.abandoned()
}

func (o *Orchestrator) transition(status Status) {
	o.session.Status = status
	o.observe(o.Snapshot())
}

func (o *Orchestrator) stepChanged() {
	o.observe(o.Snapshot())
}

func (o *Orchestrator) emit(kind eventbus.Kind, payload any) {
	if _, err := o.events.Publish(o.session.ID, kind, payload); err != nil {
		o.logger.Printf("pipeline: publish %s for %s: %v", kind, o.session.ID, err)
	}
}

func stageOf(err error) Stage {
	var revision *synth.RevisionError
	if errors.As(err, &revision) {
		return StageRevise
	}
	return StageExecuting
}
