package tui

import (
	"encoding/json"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/pipeline"
)

type recordingAbandoner struct {
	ids []string
}

func (r *recordingAbandoner) Abandon(id string) error {
	r.ids = append(r.ids, id)
	return nil
}

func event(seq int64, kind eventbus.Kind, payload any) eventMsg {
	evt := eventbus.Event{SessionID: "s1", Kind: kind, Sequence: seq}
	if payload != nil {
		data, _ := json.Marshal(payload)
		evt.Payload = data
	}
	return eventMsg(evt)
}

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModelTracksStepProgress(t *testing.T) {
	m := New("s1", make(chan eventbus.Event), nil)
	m = feed(t, m,
		event(1, eventbus.KindStarted, pipeline.StartedPayload{Prompt: "sum a csv column"}),
		event(2, eventbus.KindPlanning, nil),
		event(3, eventbus.KindPlanningComplete, pipeline.PlanningCompletePayload{Count: 2, Steps: []string{"load csv", "sum column"}}),
		event(4, eventbus.KindStepStarted, pipeline.StepPayload{Index: 1, Description: "load csv"}),
		event(5, eventbus.KindStepComplete, pipeline.StepPayload{Index: 1, Artifact: "# Step 1: load csv\nrows = load()"}),
		event(6, eventbus.KindStepChecking, pipeline.StepPayload{Index: 1}),
		event(7, eventbus.KindStepError, pipeline.StepPayload{Index: 1, Stage: pipeline.StageCheck, Error: "NameError: load\ntraceback"}),
		event(8, eventbus.KindStepRevised, pipeline.StepPayload{Index: 1, Artifact: "import csv\nrows = list(csv.reader(open('d.csv')))"}),
		event(9, eventbus.KindStepStarted, pipeline.StepPayload{Index: 2, Description: "sum column"}),
		event(10, eventbus.KindStepError, pipeline.StepPayload{Index: 2, Stage: pipeline.StageGenerate, Error: "timeout"}),
	)
	if m.status != pipeline.StatusExecuting {
		t.Fatalf("status = %s", m.status)
	}
	if m.steps[0].status != pipeline.StepRevised || m.steps[1].status != pipeline.StepError {
		t.Fatalf("unexpected step states: %+v", m.steps)
	}
	if m.steps[1].note != "generate: timeout" {
		t.Fatalf("note = %q", m.steps[1].note)
	}
	if !strings.Contains(m.artifact, "csv.reader") {
		t.Fatalf("artifact not replaced by revision: %q", m.artifact)
	}
	view := m.View()
	for _, want := range []string{"STEPFORGE", "load csv", "sum column", "q abandon"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModelShowsFailure(t *testing.T) {
	m := New("s1", make(chan eventbus.Event), nil)
	m = feed(t, m,
		event(1, eventbus.KindStarted, pipeline.StartedPayload{Prompt: "x"}),
		event(2, eventbus.KindError, pipeline.ErrorPayload{Message: "planning failed: no steps", Stage: pipeline.StagePlanning}),
	)
	status, _, errMsg, _ := m.Outcome()
	if status != pipeline.StatusFailed || errMsg != "planning failed: no steps" {
		t.Fatalf("outcome = %s %q", status, errMsg)
	}
	if !strings.Contains(m.View(), "planning failed: no steps") {
		t.Fatalf("error banner missing")
	}
}

func TestQuitAbandonsRunningSession(t *testing.T) {
	rec := &recordingAbandoner{}
	m := New("s1", make(chan eventbus.Event), rec)
	m = feed(t, m, event(1, eventbus.KindStarted, pipeline.StartedPayload{Prompt: "x"}))
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if len(rec.ids) != 1 || rec.ids[0] != "s1" {
		t.Fatalf("abandon calls = %v", rec.ids)
	}
	if _, _, _, abandoned := next.(Model).Outcome(); !abandoned {
		t.Fatalf("model should record the abandonment")
	}
}

func TestQuitAfterCompletionKeepsSession(t *testing.T) {
	rec := &recordingAbandoner{}
	m := New("s1", make(chan eventbus.Event), rec)
	m = feed(t, m,
		event(1, eventbus.KindStarted, pipeline.StartedPayload{Prompt: "x"}),
		event(2, eventbus.KindComplete, pipeline.CompletePayload{Artifact: "print(1)"}),
		streamClosedMsg{},
	)
	_, artifact, errMsg, _ := m.Outcome()
	if artifact != "print(1)" || errMsg != "" {
		t.Fatalf("outcome artifact=%q err=%q", artifact, errMsg)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if len(rec.ids) != 0 {
		t.Fatalf("completed session should not be abandoned")
	}
}

func TestClosedStreamBeforeTerminalEvent(t *testing.T) {
	events := make(chan eventbus.Event)
	close(events)
	m := New("s1", events, nil)
	msg := waitForEvent(events)()
	m = feed(t, m, msg)
	if m.running() || m.errMsg == "" {
		t.Fatalf("expected stream end to stop the view, err=%q", m.errMsg)
	}
}
