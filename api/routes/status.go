package routes

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/config"
)

// StatusRequest creates a get request handler returning the full current
// snapshot of one job: status, progress, stages, edges, timeline and the
// result reference or terminal error.
func StatusRequest(cfg *config.Config, store *task.Store) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		job, err := store.Get(jobID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				handleClientError(w, "job not found", http.StatusNotFound, cfg.Logger)
				return
			}
			handleErrorType(w, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		if err := handleJSON(w, http.StatusOK, job); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}
