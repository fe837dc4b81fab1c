// Package session owns the set of running generation sessions: it starts a
// pipeline per session on its own goroutine, routes observers to the event
// bus, honours abandonment and tears everything down when a run ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/stepforge/internal/artifact"
	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/logbook"
	"github.com/kingrea/stepforge/internal/pipeline"
	"github.com/kingrea/stepforge/internal/synth"
)

const defaultHistory = 256

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

var (
	// ErrEmptyPrompt rejects sessions without a task description.
	ErrEmptyPrompt = errors.New("session: prompt is required")
	// ErrSessionActive rejects an id that is still running.
	ErrSessionActive = errors.New("session: already running")
	// ErrNotFound is returned for ids the manager does not know.
	ErrNotFound = errors.New("session: not found")
	// ErrShuttingDown rejects new sessions once Shutdown started.
	ErrShuttingDown = errors.New("session: manager is shutting down")
	// ErrNoDatasets rejects dataset references when no resolver is configured.
	ErrNoDatasets = errors.New("session: dataset references are not supported")
	// ErrInvalidID rejects ids that are not 1-128 letters, digits, '_' or '-'.
	ErrInvalidID = errors.New("session: invalid session id")
)

// EngineFactory returns the engine for one session. Engines that are not
// safe for concurrent sessions should build a fresh instance per call.
type EngineFactory func(sessionID string) (synth.Engine, error)

// DatasetResolver renders the prompt context for dataset references.
type DatasetResolver interface {
	Describe(ids []string) (string, error)
}

// ArtifactSink persists completed artifacts.
type ArtifactSink interface {
	Save(rec artifact.Record) (artifact.Metadata, error)
}

// Logger matches the minimal Printf interface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger routes manager and pipeline diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithTimeouts sets the per-call engine bounds.
func WithTimeouts(t synth.Timeouts) Option {
	return func(m *Manager) {
		m.timeouts = t
	}
}

// WithDatasets enables dataset references.
func WithDatasets(resolver DatasetResolver) Option {
	return func(m *Manager) {
		m.datasets = resolver
	}
}

// WithArtifacts persists completed artifacts to sink.
func WithArtifacts(sink ArtifactSink) Option {
	return func(m *Manager) {
		m.artifacts = sink
	}
}

// WithJournalDir writes a per-session logbook to dir/<id>.log.
func WithJournalDir(dir string) Option {
	return func(m *Manager) {
		m.journalDir = strings.TrimSpace(dir)
	}
}

// WithHistory bounds how many finished sessions stay queryable.
func WithHistory(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// StartRequest describes a new session.
type StartRequest struct {
	// ID is optional; a uuid is generated when empty.
	ID          string
	Prompt      string
	DatasetRefs []string
	// Attach subscribes the caller before the pipeline starts so no event
	// is missed.
	Attach bool
}

// Ticket is returned by Start.
type Ticket struct {
	ID string
	// Subscription is only set when the request asked to attach.
	Subscription *eventbus.Subscription
}

// Manager maps session ids to running pipelines.
type Manager struct {
	bus          *eventbus.Bus
	engines      EngineFactory
	datasets     DatasetResolver
	artifacts    ArtifactSink
	logger       Logger
	clock        func() time.Time
	timeouts     synth.Timeouts
	journalDir   string
	historyLimit int

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	handles  map[string]*handle
	finished map[string]*handle
	order    []string
}

type handle struct {
	id        string
	abandoned atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	snapshot pipeline.Snapshot
	result   pipeline.Result
}

func (h *handle) store(s pipeline.Snapshot) {
	h.mu.Lock()
	h.snapshot = s
	h.mu.Unlock()
}

func (h *handle) current() pipeline.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// NewManager builds a manager publishing on bus.
func NewManager(bus *eventbus.Bus, engines EngineFactory, opts ...Option) (*Manager, error) {
	if bus == nil {
		return nil, errors.New("session: event bus is required")
	}
	if engines == nil {
		return nil, errors.New("session: engine factory is required")
	}
	m := &Manager{
		bus:          bus,
		engines:      engines,
		logger:       nopLogger{},
		clock:        time.Now,
		timeouts:     synth.DefaultTimeouts(),
		historyLimit: defaultHistory,
		handles:      make(map[string]*handle),
		finished:     make(map[string]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.runCtx, m.cancelRun = context.WithCancel(context.Background())
	return m, nil
}

// Bus exposes the event bus sessions publish on.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// Start validates req, registers the session and launches its pipeline.
func (m *Manager) Start(req StartRequest) (Ticket, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Ticket{}, ErrEmptyPrompt
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if !validID.MatchString(id) {
		return Ticket{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	refs := cleanRefs(req.DatasetRefs)
	var contextBlock string
	if len(refs) > 0 {
		if m.datasets == nil {
			return Ticket{}, ErrNoDatasets
		}
		block, err := m.datasets.Describe(refs)
		if err != nil {
			return Ticket{}, fmt.Errorf("session: resolve datasets: %w", err)
		}
		contextBlock = block
	}

	m.mu.Lock()
	err := m.admitLocked(id)
	m.mu.Unlock()
	if err != nil {
		return Ticket{}, err
	}

	// Script engines are interpreted on construction; keep that off m.mu.
	engine, err := m.engines(id)
	if err != nil {
		return Ticket{}, fmt.Errorf("session: build engine: %w", err)
	}
	bounded, err := synth.NewBounded(engine, m.timeouts)
	if err != nil {
		return Ticket{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(id); err != nil {
		return Ticket{}, err
	}
	h := &handle{id: id, done: make(chan struct{})}
	sess := pipeline.NewSession(id, prompt, refs, m.clock())
	sess.Context = contextBlock
	orch, err := pipeline.New(bounded, m.bus, sess,
		pipeline.WithLogger(m.logger),
		pipeline.WithClock(m.clock),
		pipeline.WithAbandoned(h.abandoned.Load),
		pipeline.WithSnapshots(h.store),
	)
	if err != nil {
		return Ticket{}, err
	}
	h.store(orch.Snapshot())

	ticket := Ticket{ID: id}
	if req.Attach {
		sub := m.bus.Subscribe(id)
		ticket.Subscription = &sub
	}
	m.attachJournal(id)

	m.forget(id)
	m.handles[id] = h
	m.wg.Add(1)
	go m.run(h, orch)
	m.logger.Printf("session: started %s (%d dataset refs)", id, len(refs))
	return ticket, nil
}

func (m *Manager) run(h *handle, orch *pipeline.Orchestrator) {
	defer m.wg.Done()
	res := orch.Run(m.runCtx)
	snap := orch.Snapshot()
	h.store(snap)

	if res.Status == pipeline.StatusComplete && m.artifacts != nil {
		steps := make([]string, len(res.Steps))
		for i, step := range res.Steps {
			steps[i] = step.Description
		}
		_, err := m.artifacts.Save(artifact.Record{
			Metadata: artifact.Metadata{
				SessionID:   h.id,
				Prompt:      snap.Prompt,
				Steps:       steps,
				DatasetRefs: snap.DatasetRefs,
			},
			Code: res.Artifact,
		})
		if err != nil {
			m.logger.Printf("session: persist artifact for %s: %v", h.id, err)
		}
	}

	switch {
	case res.Abandoned:
		m.logger.Printf("session: %s abandoned", h.id)
	case res.Err != nil:
		m.logger.Printf("session: %s failed: %v", h.id, res.Err)
	default:
		m.logger.Printf("session: %s complete", h.id)
	}

	// The topic closes under m.mu once the handle is gone, so Subscribe
	// either attaches before the close or reports the session unknown.
	m.mu.Lock()
	h.result = res
	if m.handles[h.id] == h {
		delete(m.handles, h.id)
	}
	m.remember(h)
	m.bus.CloseSession(h.id)
	m.mu.Unlock()
	close(h.done)
}

func (m *Manager) admitLocked(id string) error {
	if m.closing {
		return ErrShuttingDown
	}
	if _, running := m.handles[id]; running {
		return fmt.Errorf("%w: %s", ErrSessionActive, id)
	}
	return nil
}

// forget drops a finished record of id. Callers hold m.mu.
func (m *Manager) forget(id string) {
	if _, ok := m.finished[id]; !ok {
		return
	}
	delete(m.finished, id)
	for i, seen := range m.order {
		if seen == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// remember keeps h queryable after it finished. Callers hold m.mu.
func (m *Manager) remember(h *handle) {
	m.forget(h.id)
	m.order = append(m.order, h.id)
	m.finished[h.id] = h
	for len(m.order) > m.historyLimit {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.finished, oldest)
	}
}

// Subscribe attaches an observer to a running session. Only events emitted
// after the call are delivered.
func (m *Manager) Subscribe(id string) (eventbus.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[id]; !ok {
		return eventbus.Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.bus.Subscribe(id), nil
}

// Snapshot returns the latest state of a running or recently finished session.
func (m *Manager) Snapshot(id string) (pipeline.Snapshot, error) {
	h, err := m.lookup(id)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	return h.current(), nil
}

// Abandon marks a running session abandoned. The in-flight engine call is
// not interrupted; the pipeline stops emitting once it returns.
func (m *Manager) Abandon(id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if h.abandoned.CompareAndSwap(false, true) {
		m.logger.Printf("session: abandoning %s", id)
	}
	return nil
}

// Active lists the ids of running sessions.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until the session finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (pipeline.Result, error) {
	h, err := m.lookup(id)
	if err != nil {
		return pipeline.Result{}, err
	}
	select {
	case <-h.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return pipeline.Result{}, ctx.Err()
	}
}

// Shutdown refuses new sessions, cancels running ones and waits for their
// goroutines until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.cancelRun()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[id]; ok {
		return h, nil
	}
	if h, ok := m.finished[id]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// attachJournal mirrors the session's events into its logbook. Callers hold m.mu.
func (m *Manager) attachJournal(id string) {
	if m.journalDir == "" {
		return
	}
	book, err := logbook.New(filepath.Join(m.journalDir, id+".log"), logbook.WithClock(m.clock))
	if err != nil {
		m.logger.Printf("session: journal for %s: %v", id, err)
		return
	}
	sub := m.bus.Subscribe(id)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for evt := range sub.Events {
			journal(book, evt)
		}
	}()
}

func cleanRefs(refs []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
