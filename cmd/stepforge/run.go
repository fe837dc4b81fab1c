package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/pipeline"
	"github.com/kingrea/stepforge/internal/session"
	"github.com/kingrea/stepforge/internal/tui"
)

var runOpts struct {
	prompt   string
	datasets []string
	id       string
	plain    bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate a program for a task in this terminal",
	RunE:  runSession,
}

func init() {
	flags := runCmd.Flags()
	flags.StringVarP(&runOpts.prompt, "prompt", "p", "", "task description")
	flags.StringSliceVarP(&runOpts.datasets, "dataset", "d", nil, "dataset id to make available (repeatable)")
	flags.StringVar(&runOpts.id, "id", "", "session id (generated when empty)")
	flags.BoolVar(&runOpts.plain, "plain", false, "print events as lines instead of the interactive view")
	_ = runCmd.MarkFlagRequired("prompt")
}

func runSession(cmd *cobra.Command, _ []string) error {
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	ticket, err := a.manager.Start(session.StartRequest{
		ID:          runOpts.id,
		Prompt:      runOpts.prompt,
		DatasetRefs: runOpts.datasets,
		Attach:      true,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if runOpts.plain {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			_ = a.manager.Abandon(ticket.ID)
		}()
		printEvents(out, ticket.Subscription.Events)
	} else {
		program := tea.NewProgram(tui.New(ticket.ID, ticket.Subscription.Events, a.manager), tea.WithAltScreen())
		final, err := program.Run()
		ticket.Subscription.Close()
		if err != nil {
			_ = a.manager.Abandon(ticket.ID)
			return fmt.Errorf("run view: %w", err)
		}
		if view, ok := final.(tui.Model); ok {
			if _, _, _, abandoned := view.Outcome(); abandoned {
				// close cancels the in-flight engine call.
				return fmt.Errorf("session %s abandoned", ticket.ID)
			}
		}
	}

	res, err := a.manager.Wait(context.Background(), ticket.ID)
	if err != nil {
		return err
	}
	switch {
	case res.Abandoned:
		return fmt.Errorf("session %s abandoned", ticket.ID)
	case res.Status == pipeline.StatusComplete:
		if !runOpts.plain {
			fmt.Fprintln(out, res.Artifact)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "saved to %s\n", a.artifacts.Dir(ticket.ID))
		return nil
	case res.Err != nil:
		return res.Err
	default:
		return errors.New("session did not complete")
	}
}

// printEvents writes one line per event and the final program.
func printEvents(out io.Writer, events <-chan eventbus.Event) {
	for evt := range events {
		switch evt.Kind {
		case eventbus.KindPlanningComplete:
			var p pipeline.PlanningCompletePayload
			_ = evt.Decode(&p)
			fmt.Fprintf(out, "[%d] planned %d steps\n", evt.Sequence, p.Count)
			for i, step := range p.Steps {
				fmt.Fprintf(out, "      %d. %s\n", i+1, step)
			}
		case eventbus.KindStepStarted:
			var p pipeline.StepPayload
			_ = evt.Decode(&p)
			fmt.Fprintf(out, "[%d] step %d: %s\n", evt.Sequence, p.Index, p.Description)
		case eventbus.KindStepError:
			var p pipeline.StepPayload
			_ = evt.Decode(&p)
			fmt.Fprintf(out, "[%d] step %d %s failed: %s\n", evt.Sequence, p.Index, p.Stage, oneLine(p.Error))
		case eventbus.KindStepChecked, eventbus.KindStepRevised, eventbus.KindStepChecking, eventbus.KindStepComplete:
			var p pipeline.StepPayload
			_ = evt.Decode(&p)
			fmt.Fprintf(out, "[%d] step %d %s\n", evt.Sequence, p.Index, strings.TrimPrefix(string(evt.Kind), "step-"))
		case eventbus.KindComplete:
			var p pipeline.CompletePayload
			_ = evt.Decode(&p)
			fmt.Fprintf(out, "[%d] complete\n\n%s\n", evt.Sequence, p.Artifact)
		case eventbus.KindError:
			var p pipeline.ErrorPayload
			_ = evt.Decode(&p)
			fmt.Fprintf(out, "[%d] error during %s: %s\n", evt.Sequence, p.Stage, p.Message)
		default:
			fmt.Fprintf(out, "[%d] %s\n", evt.Sequence, evt.Kind)
		}
	}
}

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
