package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind names one progress notification emitted by a pipeline run.
type Kind string

const (
	KindStarted          Kind = "started"
	KindPlanning         Kind = "planning"
	KindPlanningComplete Kind = "planning-complete"
	KindStepStarted      Kind = "step-started"
	KindStepComplete     Kind = "step-complete"
	KindStepChecking     Kind = "step-checking"
	KindStepChecked      Kind = "step-checked"
	KindStepError        Kind = "step-error"
	KindStepRevised      Kind = "step-revised"
	KindRefining         Kind = "refining"
	KindComplete         Kind = "complete"
	KindError            Kind = "error"
)

// Terminal reports whether no further events follow this kind for a session.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Event is an immutable notification scoped to one session. Sequence numbers
// start at 1 and increase by one per published event of that session.
type Event struct {
	SessionID string          `json:"sessionId"`
	Kind      Kind            `json:"kind"`
	Sequence  int64           `json:"sequence"`
	EmittedAt time.Time       `json:"emittedAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("eventbus: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// String renders a compact single-line description, used by journals.
func (e Event) String() string {
	payload := strings.TrimSpace(string(e.Payload))
	if runes := []rune(payload); len(runes) > 160 {
		payload = string(runes[:157]) + "..."
	}
	if payload == "" || payload == "{}" || payload == "null" {
		return fmt.Sprintf("#%d %s", e.Sequence, e.Kind)
	}
	return fmt.Sprintf("#%d %s %s", e.Sequence, e.Kind, payload)
}

// Logger records bus diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
