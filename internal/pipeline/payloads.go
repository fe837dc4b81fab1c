package pipeline

// Stage names the pipeline phase an error event originated from.
type Stage string

const (
	StagePlanning  Stage = "planning"
	StageExecuting Stage = "executing"
	StageGenerate  Stage = "generate"
	StageCheck     Stage = "check"
	StageRevise    Stage = "revise"
	StageRefining  Stage = "refining"
)

// StartedPayload accompanies the started event.
type StartedPayload struct {
	Prompt      string   `json:"prompt"`
	DatasetRefs []string `json:"datasetRefs,omitempty"`
}

// PlanningCompletePayload carries the ordered step descriptions.
type PlanningCompletePayload struct {
	Count int      `json:"count"`
	Steps []string `json:"steps"`
}

// StepPayload is shared by every step-* event; fields irrelevant to a kind
// are omitted.
type StepPayload struct {
	Index       int    `json:"index"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Artifact    string `json:"artifact,omitempty"`
	Error       string `json:"error,omitempty"`
	Stage       Stage  `json:"stage,omitempty"`
}

// CompletePayload carries the refined artifact.
type CompletePayload struct {
	Artifact string `json:"artifact"`
}

// ErrorPayload describes a fatal failure.
type ErrorPayload struct {
	Message string `json:"message"`
	Stage   Stage  `json:"stage,omitempty"`
}
