package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/audioloom/podforge/api/events"
	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/api/telemetry"
	"github.com/audioloom/podforge/config"
)

// EventsRequest creates an SSE handler streaming job snapshots to one
// observer. The current snapshot is sent immediately; the stream ends
// when the job reaches a terminal state or the client disconnects. A
// terminal job yields exactly one snapshot and an immediate close.
func EventsRequest(cfg *config.Config, hub *events.Hub) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		sub, err := hub.Subscribe(jobID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				handleClientError(w, "job not found", http.StatusNotFound, cfg.Logger)
				return
			}
			handleErrorType(w, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		defer sub.Cancel()

		flusher, ok := w.(http.Flusher)
		if !ok {
			handleErrorType(w, errors.New("response writer does not support streaming"), http.StatusInternalServerError, cfg.Logger)
			return
		}

		telemetry.SubscriberGauge.Inc()
		defer telemetry.SubscriberGauge.Dec()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case snap, open := <-sub.Events():
				if !open {
					return
				}
				payload, err := json.Marshal(snap)
				if err != nil {
					cfg.Logger.Errorf("job %s: marshalling snapshot: %v", jobID, err)
					return
				}
				if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
