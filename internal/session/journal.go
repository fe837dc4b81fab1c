package session

import (
	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/logbook"
	"github.com/kingrea/stepforge/internal/pipeline"
)

// journal writes one logbook line per event.
func journal(book *logbook.Logbook, evt eventbus.Event) {
	switch evt.Kind {
	case eventbus.KindError:
		var p pipeline.ErrorPayload
		_ = evt.Decode(&p)
		book.Error("#%d %s stage=%s: %s", evt.Sequence, evt.Kind, p.Stage, p.Message)
	case eventbus.KindStepError:
		var p pipeline.StepPayload
		_ = evt.Decode(&p)
		book.Warn("#%d %s step=%d stage=%s: %s", evt.Sequence, evt.Kind, p.Index, p.Stage, p.Error)
	case eventbus.KindPlanningComplete:
		var p pipeline.PlanningCompletePayload
		_ = evt.Decode(&p)
		book.Info("#%d %s steps=%d", evt.Sequence, evt.Kind, p.Count)
	case eventbus.KindStepStarted:
		var p pipeline.StepPayload
		_ = evt.Decode(&p)
		book.Info("#%d %s step=%d %s", evt.Sequence, evt.Kind, p.Index, p.Description)
	case eventbus.KindComplete:
		var p pipeline.CompletePayload
		_ = evt.Decode(&p)
		book.Info("#%d %s artifact=%d bytes", evt.Sequence, evt.Kind, len(p.Artifact))
	default:
		book.Info("%s", evt.String())
	}
}
