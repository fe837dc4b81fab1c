package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kingrea/stepforge/internal/eventbus"
)

type streamEnd int

const (
	streamFinished streamEnd = iota
	streamClientGone
	streamDraining
)

// stream writes every event from sub as a server-sent event until the
// session closes it, the client disconnects or the server drains.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sub eventbus.Subscription) streamEnd {
	defer sub.Close()
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := time.NewTicker(s.settings.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return streamFinished
			}
			if err := writeEvent(w, evt); err != nil {
				return streamClientGone
			}
			if err := rc.Flush(); err != nil {
				return streamClientGone
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return streamClientGone
			}
			if err := rc.Flush(); err != nil {
				return streamClientGone
			}
		case <-r.Context().Done():
			return streamClientGone
		case <-s.draining:
			return streamDraining
		}
	}
}

func writeEvent(w http.ResponseWriter, evt eventbus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Sequence, evt.Kind, data)
	return err
}
