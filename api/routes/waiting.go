package routes

import (
	"net/http"

	"github.com/audioloom/podforge/api/pipeline"
	"github.com/audioloom/podforge/config"
)

// WaitingResponse provides the number of jobs waiting for a run slot.
type WaitingResponse struct {
	Count int `json:"count"`
}

// Waiting creates a get request handler that will return the number of
// admitted jobs not yet executing.
func Waiting(cfg *config.Config, dispatcher *pipeline.Dispatcher) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := handleJSON(w, http.StatusOK, WaitingResponse{Count: dispatcher.Waiting()}); err != nil {
			handleErrorType(w, err, http.StatusInternalServerError, cfg.Logger)
		}
	}
}
