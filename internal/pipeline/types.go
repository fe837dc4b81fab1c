package pipeline

import (
	"time"
)

// Status enumerates session phases.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusRefining  Status = "refining"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the session has finished.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// StepStatus enumerates the lifecycle of one planned step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepGenerating StepStatus = "generating"
	StepChecking   StepStatus = "checking"
	StepChecked    StepStatus = "checked"
	StepError      StepStatus = "error"
	StepRevising   StepStatus = "revising"
	StepRevised    StepStatus = "revised"
)

// Step is one planned unit of work. Index is 1-based and dense.
type Step struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Code        string     `json:"code,omitempty"`
	Status      StepStatus `json:"status"`
	LastError   string     `json:"lastError,omitempty"`
}

// Session is the mutable state of one run. It is owned by the Orchestrator
// constructed for it.
type Session struct {
	ID          string
	Prompt      string
	DatasetRefs []string
	// Context is appended to the prompt handed to the engine, typically the
	// description of the referenced datasets.
	Context   string
	Steps     []Step
	Artifact  string
	Status    Status
	CreatedAt time.Time
}

// task is the prompt the engine sees.
func (s *Session) task() string {
	if s.Context == "" {
		return s.Prompt
	}
	return s.Prompt + "\n\n" + s.Context
}

// NewSession builds an idle session.
func NewSession(id, prompt string, datasetRefs []string, createdAt time.Time) *Session {
	return &Session{
		ID:          id,
		Prompt:      prompt,
		DatasetRefs: cloneStrings(datasetRefs),
		Status:      StatusIdle,
		CreatedAt:   createdAt.UTC(),
	}
}

// Snapshot is an immutable copy of a session, safe to hand to other goroutines.
type Snapshot struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	DatasetRefs []string  `json:"datasetRefs,omitempty"`
	Steps       []Step    `json:"steps"`
	Artifact    string    `json:"artifact,omitempty"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (s *Session) snapshot(now time.Time, errMsg string) Snapshot {
	steps := make([]Step, len(s.Steps))
	copy(steps, s.Steps)
	return Snapshot{
		ID:          s.ID,
		Prompt:      s.Prompt,
		DatasetRefs: cloneStrings(s.DatasetRefs),
		Steps:       steps,
		Artifact:    s.Artifact,
		Status:      s.Status,
		Error:       errMsg,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   now.UTC(),
	}
}

// Result is the terminal outcome of Run. Artifact is only set on success.
type Result struct {
	SessionID string
	Status    Status
	Artifact  string
	Steps     []Step
	Err       error
	Abandoned bool
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
