package routes

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/audioloom/podforge/api/ratelimit"
)

func handleJSON(w http.ResponseWriter, status int, data interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(bytes)
	return err
}

func handleErrorType(w http.ResponseWriter, err error, code int, logger *zap.SugaredLogger) {
	logger.Errorf("%+v", err)
	errMessage := "An error occured on the server while processing the request"
	http.Error(w, errMessage, code)
}

// errorBody is the uniform JSON shape of client-facing errors.
type errorBody struct {
	Error string `json:"error"`
}

func handleClientError(w http.ResponseWriter, message string, code int, logger *zap.SugaredLogger) {
	logger.Infof("request rejected: %s", message)
	if err := handleJSON(w, code, errorBody{Error: message}); err != nil {
		handleErrorType(w, err, http.StatusInternalServerError, logger)
	}
}

// setRateHeaders attaches the standard rate-limit headers from an
// admission decision. Zero-valued decisions (limiter not consulted, e.g.
// duplicate submissions) set nothing.
func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
