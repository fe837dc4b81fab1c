// Package tui renders one live session in the terminal.
package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/pipeline"
)

var (
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleRevised = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle          = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	bannerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#B3261E")).Padding(0, 1)
	footerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// Abandoner stops a running session; session.Manager implements it.
type Abandoner interface {
	Abandon(id string) error
}

type stepLine struct {
	index       int
	description string
	status      pipeline.StepStatus
	note        string
}

type eventMsg eventbus.Event

type streamClosedMsg struct{}

// Model follows a single session's event stream.
type Model struct {
	sessionID string
	events    <-chan eventbus.Event
	sessions  Abandoner

	status    pipeline.Status
	prompt    string
	steps     []stepLine
	artifact  string
	errMsg    string
	closed    bool
	abandoned bool

	spin   spinner.Model
	vp     viewport.Model
	width  int
	height int
}

// New builds a model reading events until the channel closes. sessions may be
// nil, in which case quitting leaves the session running.
func New(sessionID string, events <-chan eventbus.Event, sessions Abandoner) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyleRunning
	vp := viewport.New(80, 16)
	vp.SetContent(detailTextStyle.Render("Waiting for code…"))
	return Model{
		sessionID: sessionID,
		events:    events,
		sessions:  sessions,
		status:    pipeline.StatusIdle,
		spin:      sp,
		vp:        vp,
		width:     80,
	}
}

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan eventbus.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(evt)
	}
}

// Update handles key presses, resizes and session events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.running() && m.sessions != nil {
				if err := m.sessions.Abandon(m.sessionID); err == nil {
					m.abandoned = true
				}
			}
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.vp.Width = max(20, msg.Width-4)
		m.vp.Height = max(5, msg.Height-len(m.steps)-10)
		m.refreshViewport()
		return m, nil

	case spinner.TickMsg:
		if !m.running() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(eventbus.Event(msg))
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.closed = true
		if !m.status.Terminal() && m.errMsg == "" {
			m.errMsg = "event stream ended before the session finished"
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(evt eventbus.Event) {
	switch evt.Kind {
	case eventbus.KindStarted:
		var p pipeline.StartedPayload
		_ = evt.Decode(&p)
		m.prompt = p.Prompt
		m.status = pipeline.StatusPlanning
	case eventbus.KindPlanning:
		m.status = pipeline.StatusPlanning
	case eventbus.KindPlanningComplete:
		var p pipeline.PlanningCompletePayload
		_ = evt.Decode(&p)
		m.steps = make([]stepLine, len(p.Steps))
		for i, description := range p.Steps {
			m.steps[i] = stepLine{index: i + 1, description: description, status: pipeline.StepPending}
		}
		m.status = pipeline.StatusExecuting
	case eventbus.KindStepStarted:
		m.updateStep(evt, func(line *stepLine, _ pipeline.StepPayload) { line.status = pipeline.StepGenerating })
	case eventbus.KindStepComplete:
		m.updateStep(evt, func(line *stepLine, p pipeline.StepPayload) {
			if p.Artifact != "" {
				m.artifact = p.Artifact
			}
		})
	case eventbus.KindStepChecking:
		m.updateStep(evt, func(line *stepLine, _ pipeline.StepPayload) { line.status = pipeline.StepChecking })
	case eventbus.KindStepChecked:
		m.updateStep(evt, func(line *stepLine, _ pipeline.StepPayload) { line.status = pipeline.StepChecked })
	case eventbus.KindStepError:
		m.updateStep(evt, func(line *stepLine, p pipeline.StepPayload) {
			line.status = pipeline.StepError
			line.note = fmt.Sprintf("%s: %s", p.Stage, firstLine(p.Error))
			if p.Stage == pipeline.StageCheck {
				line.status = pipeline.StepRevising
			}
		})
	case eventbus.KindStepRevised:
		m.updateStep(evt, func(line *stepLine, p pipeline.StepPayload) {
			line.status = pipeline.StepRevised
			if p.Artifact != "" {
				m.artifact = p.Artifact
			}
		})
	case eventbus.KindRefining:
		m.status = pipeline.StatusRefining
	case eventbus.KindComplete:
		var p pipeline.CompletePayload
		_ = evt.Decode(&p)
		m.artifact = p.Artifact
		m.status = pipeline.StatusComplete
	case eventbus.KindError:
		var p pipeline.ErrorPayload
		_ = evt.Decode(&p)
		m.errMsg = p.Message
		m.status = pipeline.StatusFailed
	}
	m.refreshViewport()
}

func (m *Model) updateStep(evt eventbus.Event, fn func(*stepLine, pipeline.StepPayload)) {
	var p pipeline.StepPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return
	}
	if p.Index < 1 || p.Index > len(m.steps) {
		return
	}
	fn(&m.steps[p.Index-1], p)
}

func (m *Model) refreshViewport() {
	if m.artifact == "" {
		return
	}
	if m.status == pipeline.StatusComplete {
		m.vp.SetContent(renderMarkdown("```python\n"+m.artifact+"\n```", m.vp.Width))
		return
	}
	m.vp.SetContent(m.artifact)
	m.vp.GotoBottom()
}

func renderMarkdown(markdown string, width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(20, width)),
	)
	if err != nil {
		return markdown
	}
	out, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return out
}

func (m Model) running() bool {
	return !m.status.Terminal() && !m.closed
}

// View renders the session board.
func (m Model) View() string {
	header := titleStyle.Render("⬡ STEPFORGE") + "  " + detailTextStyle.Render(m.sessionID)
	statusLine := statusLabel(m.status)
	if m.running() {
		statusLine = m.spin.View() + " " + statusLine
	}
	sections := []string{header, statusLine}
	if m.prompt != "" {
		sections = append(sections, detailTextStyle.Render(truncate(m.prompt, max(20, m.width-2))))
	}
	if len(m.steps) > 0 {
		lines := make([]string, len(m.steps))
		for i, step := range m.steps {
			line := fmt.Sprintf("%2d. %s %s", step.index, stepLabel(step.status), step.description)
			if step.note != "" {
				line += " " + detailTextStyle.Render("("+truncate(step.note, 60)+")")
			}
			lines[i] = line
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	sections = append(sections, boxStyle.Width(max(20, m.width-2)).Render(m.vp.View()))
	if m.errMsg != "" {
		sections = append(sections, bannerStyle.Render("✗ "+m.errMsg))
	}
	hint := "q abandon · ↑/↓ scroll"
	if !m.running() {
		hint = "q quit · ↑/↓ scroll"
	}
	sections = append(sections, footerStyle.Render(hint))
	return strings.Join(sections, "\n")
}

// Outcome reports how the session ended as seen by this view.
func (m Model) Outcome() (status pipeline.Status, artifact string, errMsg string, abandoned bool) {
	return m.status, m.artifact, m.errMsg, m.abandoned
}

func statusLabel(status pipeline.Status) string {
	text := strings.ToUpper(string(status))
	switch status {
	case pipeline.StatusComplete:
		return labelStyleDone.Render(text)
	case pipeline.StatusFailed:
		return labelStyleFailed.Render(text)
	case pipeline.StatusIdle:
		return labelStylePending.Render(text)
	default:
		return labelStyleRunning.Render(text)
	}
}

func stepLabel(status pipeline.StepStatus) string {
	text := fmt.Sprintf("[%-10s]", status)
	switch status {
	case pipeline.StepChecked:
		return labelStyleDone.Render(text)
	case pipeline.StepError:
		return labelStyleFailed.Render(text)
	case pipeline.StepRevising, pipeline.StepRevised:
		return labelStyleRevised.Render(text)
	case pipeline.StepPending:
		return labelStylePending.Render(text)
	default:
		return labelStyleRunning.Render(text)
	}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

func truncate(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}
