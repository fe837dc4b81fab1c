package session_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kingrea/stepforge/internal/artifact"
	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/pipeline"
	"github.com/kingrea/stepforge/internal/session"
	"github.com/kingrea/stepforge/internal/synth"
)

// scriptedEngine plans two steps and passes every check. When gate is set,
// Plan blocks until it is closed or the context ends.
type scriptedEngine struct {
	gate chan struct{}

	mu      sync.Mutex
	prompts []string
}

func (e *scriptedEngine) Plan(ctx context.Context, prompt string) ([]string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, prompt)
	e.mu.Unlock()
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []string{"load data", "print total"}, nil
}

func (e *scriptedEngine) GenerateStep(_ context.Context, _, description string, index int, _ string) (string, error) {
	return fmt.Sprintf("# Step %d: %s\nv%d = %d", index, description, index, index), nil
}

func (e *scriptedEngine) Check(context.Context, string) (synth.CheckResult, error) {
	return synth.Passed(), nil
}

func (e *scriptedEngine) Revise(_ context.Context, _, artifact, _ string) (string, error) {
	return artifact, nil
}

func (e *scriptedEngine) Refine(_ context.Context, _, artifact string) (string, error) {
	return artifact + "\n\nprint(v1 + v2)", nil
}

func (e *scriptedEngine) lastPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prompts) == 0 {
		return ""
	}
	return e.prompts[len(e.prompts)-1]
}

type stubResolver struct{}

func (stubResolver) Describe(ids []string) (string, error) {
	if ids[0] == "missing" {
		return "", errors.New("dataset: not found")
	}
	return "Datasets available to the program: " + strings.Join(ids, ", "), nil
}

func drain(sub *eventbus.Subscription) []eventbus.Event {
	var events []eventbus.Event
	Eventually(func() bool {
		for {
			select {
			case evt, ok := <-sub.Events:
				if !ok {
					return true
				}
				events = append(events, evt)
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond).Should(BeTrue())
	return events
}

func kinds(events []eventbus.Event) []eventbus.Kind {
	out := make([]eventbus.Kind, len(events))
	for i, evt := range events {
		out[i] = evt.Kind
	}
	return out
}

var _ = Describe("Manager", func() {
	var (
		ctx        context.Context
		engine     *scriptedEngine
		manager    *session.Manager
		artifacts  *artifact.Store
		journalDir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = &scriptedEngine{}
		dir := GinkgoT().TempDir()
		artifacts = artifact.NewStore(filepath.Join(dir, "artifacts"))
		journalDir = filepath.Join(dir, "sessions")
		var err error
		manager, err = session.NewManager(eventbus.New(), func(string) (synth.Engine, error) { return engine, nil },
			session.WithArtifacts(artifacts),
			session.WithDatasets(stubResolver{}),
			session.WithJournalDir(journalDir),
		)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		Expect(manager.Shutdown(shutdownCtx)).To(Succeed())
	})

	Context("running a session", func() {
		It("delivers every event to an attached observer in order", func() {
			ticket, err := manager.Start(session.StartRequest{ID: "run-1", Prompt: "add two numbers", Attach: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(ticket.Subscription).NotTo(BeNil())

			events := drain(ticket.Subscription)
			Expect(kinds(events)).To(Equal([]eventbus.Kind{
				eventbus.KindStarted, eventbus.KindPlanning, eventbus.KindPlanningComplete,
				eventbus.KindStepStarted, eventbus.KindStepComplete, eventbus.KindStepChecking, eventbus.KindStepChecked,
				eventbus.KindStepStarted, eventbus.KindStepComplete, eventbus.KindStepChecking, eventbus.KindStepChecked,
				eventbus.KindRefining, eventbus.KindComplete,
			}))
			for i, evt := range events {
				Expect(evt.Sequence).To(Equal(int64(i + 1)))
			}
		})

		It("persists the completed artifact and keeps the snapshot queryable", func() {
			_, err := manager.Start(session.StartRequest{ID: "run-2", Prompt: "add two numbers"})
			Expect(err).NotTo(HaveOccurred())

			res, err := manager.Wait(ctx, "run-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(pipeline.StatusComplete))
			Expect(manager.Active()).To(BeEmpty())

			snap, err := manager.Snapshot("run-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(pipeline.StatusComplete))
			Expect(snap.Steps).To(HaveLen(2))

			rec, err := artifacts.Load("run-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Code).To(Equal(res.Artifact))
			Expect(rec.Steps).To(Equal([]string{"load data", "print total"}))
		})

		It("journals the session events", func() {
			_, err := manager.Start(session.StartRequest{ID: "run-3", Prompt: "add two numbers"})
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.Wait(ctx, "run-3")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				data, _ := os.ReadFile(filepath.Join(journalDir, "run-3.log"))
				return string(data)
			}, 2*time.Second, 10*time.Millisecond).Should(And(
				ContainSubstring("planning-complete steps=2"),
				ContainSubstring("complete artifact="),
			))
		})

		It("generates an id when none is given", func() {
			ticket, err := manager.Start(session.StartRequest{Prompt: "add two numbers"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ticket.ID).To(HaveLen(36))
			_, err = manager.Wait(ctx, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("appends the dataset description to the engine prompt", func() {
			_, err := manager.Start(session.StartRequest{ID: "run-4", Prompt: "train a model", DatasetRefs: []string{"iris", " ", "iris"}})
			Expect(err).NotTo(HaveOccurred())
			res, err := manager.Wait(ctx, "run-4")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(pipeline.StatusComplete))
			Expect(engine.lastPrompt()).To(Equal("train a model\n\nDatasets available to the program: iris"))
		})
	})

	Context("rejecting requests", func() {
		It("requires a prompt", func() {
			_, err := manager.Start(session.StartRequest{Prompt: "   "})
			Expect(err).To(MatchError(session.ErrEmptyPrompt))
		})

		It("fails fast on unknown datasets", func() {
			_, err := manager.Start(session.StartRequest{Prompt: "train", DatasetRefs: []string{"missing"}})
			Expect(err).To(MatchError(ContainSubstring("resolve datasets")))
			Expect(manager.Active()).To(BeEmpty())
		})

		It("refuses an id that is still running and accepts it once finished", func() {
			engine.gate = make(chan struct{})
			_, err := manager.Start(session.StartRequest{ID: "dup", Prompt: "add"})
			Expect(err).NotTo(HaveOccurred())

			_, err = manager.Start(session.StartRequest{ID: "dup", Prompt: "add"})
			Expect(errors.Is(err, session.ErrSessionActive)).To(BeTrue())

			close(engine.gate)
			_, err = manager.Wait(ctx, "dup")
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.Start(session.StartRequest{ID: "dup", Prompt: "add"})
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.Wait(ctx, "dup")
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects ids that are not plain names", func() {
			for _, id := range []string{"../../../escaped", "a/b", `a\b`, "..", "white space", strings.Repeat("x", 129)} {
				_, err := manager.Start(session.StartRequest{ID: id, Prompt: "add"})
				Expect(errors.Is(err, session.ErrInvalidID)).To(BeTrue(), "id %q", id)
			}
			Expect(manager.Active()).To(BeEmpty())
			_, err := os.Stat(filepath.Join(filepath.Dir(journalDir), "escaped.log"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("reports unknown sessions", func() {
			_, err := manager.Snapshot("nope")
			Expect(errors.Is(err, session.ErrNotFound)).To(BeTrue())
			Expect(errors.Is(manager.Abandon("nope"), session.ErrNotFound)).To(BeTrue())
			_, err = manager.Subscribe("nope")
			Expect(errors.Is(err, session.ErrNotFound)).To(BeTrue())
		})
	})

	Context("finishing", func() {
		It("closes every subscription taken while the session winds down", func() {
			engine.gate = make(chan struct{})
			_, err := manager.Start(session.StartRequest{ID: "late", Prompt: "add"})
			Expect(err).NotTo(HaveOccurred())

			var closed sync.WaitGroup
			done := make(chan struct{})
			go func() {
				defer close(done)
				for {
					sub, err := manager.Subscribe("late")
					if err != nil {
						return
					}
					closed.Add(1)
					go func() {
						defer closed.Done()
						for range sub.Events {
						}
					}()
				}
			}()
			close(engine.gate)
			_, err = manager.Wait(ctx, "late")
			Expect(err).NotTo(HaveOccurred())
			Eventually(done).Should(BeClosed())

			allClosed := make(chan struct{})
			go func() {
				closed.Wait()
				close(allClosed)
			}()
			Eventually(allClosed, 2*time.Second).Should(BeClosed())
			Expect(manager.Bus().Subscribers("late")).To(BeZero())
		})

		It("keeps a reused id in history until its newest run ages out", func() {
			small, err := session.NewManager(eventbus.New(), func(string) (synth.Engine, error) { return engine, nil },
				session.WithHistory(2),
			)
			Expect(err).NotTo(HaveOccurred())
			defer small.Shutdown(ctx)

			for _, id := range []string{"a", "b", "a", "c"} {
				_, err := small.Start(session.StartRequest{ID: id, Prompt: "add"})
				Expect(err).NotTo(HaveOccurred())
				_, err = small.Wait(ctx, id)
				Expect(err).NotTo(HaveOccurred())
			}

			_, err = small.Snapshot("a")
			Expect(err).NotTo(HaveOccurred())
			_, err = small.Snapshot("c")
			Expect(err).NotTo(HaveOccurred())
			_, err = small.Snapshot("b")
			Expect(errors.Is(err, session.ErrNotFound)).To(BeTrue())
		})
	})

	Context("building engines", func() {
		It("does not hold up other sessions while an engine is built", func() {
			building := make(chan struct{})
			release := make(chan struct{})
			slow, err := session.NewManager(eventbus.New(), func(id string) (synth.Engine, error) {
				if id == "slow-build" {
					close(building)
					<-release
				}
				return engine, nil
			})
			Expect(err).NotTo(HaveOccurred())
			defer slow.Shutdown(ctx)

			started := make(chan error, 1)
			go func() {
				_, err := slow.Start(session.StartRequest{ID: "slow-build", Prompt: "add"})
				started <- err
			}()
			Eventually(building).Should(BeClosed())

			answered := make(chan []string, 1)
			go func() { answered <- slow.Active() }()
			Eventually(answered, time.Second).Should(Receive(BeEmpty()))

			close(release)
			Eventually(started).Should(Receive(BeNil()))
			_, err = slow.Wait(ctx, "slow-build")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("abandoning", func() {
		It("stops emitting once the in-flight call returns", func() {
			engine.gate = make(chan struct{})
			ticket, err := manager.Start(session.StartRequest{ID: "gone", Prompt: "add", Attach: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(manager.Active).Should(ContainElement("gone"))

			Expect(manager.Abandon("gone")).To(Succeed())
			close(engine.gate)

			res, err := manager.Wait(ctx, "gone")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Abandoned).To(BeTrue())
			Expect(kinds(drain(ticket.Subscription))).To(Equal([]eventbus.Kind{eventbus.KindStarted, eventbus.KindPlanning}))

			_, err = artifacts.Load("gone")
			Expect(errors.Is(err, artifact.ErrNotFound)).To(BeTrue())
		})
	})

	Context("shutting down", func() {
		It("cancels running sessions and refuses new ones", func() {
			engine.gate = make(chan struct{})
			ticket, err := manager.Start(session.StartRequest{ID: "slow", Prompt: "add", Attach: true})
			Expect(err).NotTo(HaveOccurred())

			shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			Expect(manager.Shutdown(shutdownCtx)).To(Succeed())

			events := drain(ticket.Subscription)
			Expect(events).NotTo(BeEmpty())
			last := events[len(events)-1]
			Expect(last.Kind).To(Equal(eventbus.KindError))
			var payload pipeline.ErrorPayload
			Expect(last.Decode(&payload)).To(Succeed())
			Expect(payload.Message).To(ContainSubstring("cancelled"))

			_, err = manager.Start(session.StartRequest{Prompt: "add"})
			Expect(err).To(MatchError(session.ErrShuttingDown))
		})
	})
})
