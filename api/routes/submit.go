package routes

import (
	"encoding/json"
	"io/ioutil"
	"math"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/audioloom/podforge/api/pipeline"
	"github.com/audioloom/podforge/config"
)

// SubmitRequestData is the body of a job submission.
type SubmitRequestData struct {
	SourceReference string `json:"source_reference"`
	ClientKey       string `json:"client_key"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// RateLimitedResponse carries exact retry timing for a denied submission.
type RateLimitedResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
	Limit             int    `json:"limit"`
	WindowSeconds     int    `json:"window_seconds"`
}

// SubmitRequest creates a post request handler that admits a new job and
// returns immediately with its ID; the pipeline runs in the background.
func SubmitRequest(cfg *config.Config, dispatcher *pipeline.Dispatcher) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := ioutil.ReadAll(r.Body)
		defer r.Body.Close()
		if err != nil {
			handleErrorType(w, errors.Wrap(err, "failed to read submit request body"), http.StatusBadRequest, cfg.Logger)
			return
		}

		var submitMsg SubmitRequestData
		if err := json.Unmarshal(body, &submitMsg); err != nil {
			handleClientError(w, "malformed request body", http.StatusBadRequest, cfg.Logger)
			return
		}

		result, err := dispatcher.Submit(submitMsg.ClientKey, submitMsg.SourceReference)
		setRateHeaders(w, result.Decision)

		switch {
		case err == nil:
			status := "queued"
			if result.Duplicate {
				status = "duplicate"
			}
			if err := handleJSON(w, http.StatusAccepted, SubmitResponse{JobID: result.JobID, Status: status}); err != nil {
				handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
			}
		case errors.Is(err, pipeline.ErrInvalidSubmission):
			handleClientError(w, err.Error(), http.StatusBadRequest, cfg.Logger)
		case errors.Is(err, pipeline.ErrRateLimited):
			retryAfter := int(math.Ceil(result.Decision.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			resp := RateLimitedResponse{
				Error:             "rate limit exceeded",
				RetryAfterSeconds: retryAfter,
				Limit:             result.Decision.Limit,
				WindowSeconds:     int(result.Decision.Window.Seconds()),
			}
			if err := handleJSON(w, http.StatusTooManyRequests, resp); err != nil {
				handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
			}
		case errors.Is(err, pipeline.ErrQueueFull):
			handleClientError(w, "admission queue full", http.StatusServiceUnavailable, cfg.Logger)
		default:
			handleErrorType(w, err, http.StatusInternalServerError, cfg.Logger)
		}
	}
}
