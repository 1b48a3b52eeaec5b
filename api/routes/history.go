package routes

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/config"
)

// HistoryResponse is one page of finished jobs.
type HistoryResponse struct {
	Jobs   []task.Job `json:"jobs"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// HistoryRequest creates a get request handler returning finished jobs,
// most recently finished first, paginated by limit/offset.
func HistoryRequest(cfg *config.Config, store *task.Store) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 20)
		if err != nil || limit < 1 {
			handleClientError(w, "limit must be a positive integer", http.StatusBadRequest, cfg.Logger)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			handleClientError(w, "offset must be a non-negative integer", http.StatusBadRequest, cfg.Logger)
			return
		}
		if max := cfg.Environment.HistoryPageMax; limit > max {
			limit = max
		}

		jobs := store.ListFinished(limit, offset)
		if jobs == nil {
			jobs = []task.Job{}
		}
		if err := handleJSON(w, http.StatusOK, HistoryResponse{Jobs: jobs, Limit: limit, Offset: offset}); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
