package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/config"
)

// HTTPCollaborator calls a remote stage service: the stage input is
// POSTed as JSON and the stage output decoded from the response body.
// This is the seam where real transcript/summarize/script/render
// services plug in.
type HTTPCollaborator struct {
	stage  string
	url    string
	client *http.Client
}

// NewHTTPCollaborator creates a collaborator for one stage service.
func NewHTTPCollaborator(stage, url string, timeout time.Duration) *HTTPCollaborator {
	return &HTTPCollaborator{
		stage:  stage,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Execute implements Collaborator. HTTP status codes carry the
// transient/fatal distinction: 4xx responses are fatal (invalid input or
// exhausted quota), 5xx and transport faults are transient.
func (c *HTTPCollaborator) Execute(ctx context.Context, input StageInput) (StageOutput, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: err.Error()}
	}
	req.Header.Set("Content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorTransient, Message: errors.Wrapf(err, "%s collaborator unreachable", c.stage).Error()}
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorTransient, Message: err.Error()}
	}

	switch {
	case resp.StatusCode >= 500:
		return StageOutput{}, &task.StageError{Kind: task.ErrorTransient, Message: fmt.Sprintf("%s collaborator returned %d", c.stage, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: fmt.Sprintf("%s collaborator rejected request with %d: %s", c.stage, resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}

	var out StageOutput
	if err := json.Unmarshal(respBody, &out); err != nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: errors.Wrapf(err, "%s collaborator returned malformed output", c.stage).Error()}
	}
	return out, nil
}

// Built-in deterministic collaborators, used when no service URL is
// configured. Content quality is out of scope; these exist so the
// pipeline is runnable end to end without external services.

func builtinFetch(_ context.Context, input StageInput) (StageOutput, error) {
	if strings.TrimSpace(input.SourceRef) == "" {
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: "source reference is empty"}
	}
	return StageOutput{Transcript: &Transcript{
		SourceRef: input.SourceRef,
		Language:  "en",
		Text:      fmt.Sprintf("Transcript of %s.", input.SourceRef),
	}}, nil
}

func builtinSummarize(_ context.Context, input StageInput) (StageOutput, error) {
	if input.Previous.Transcript == nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: "summarize requires a transcript"}
	}
	text := input.Previous.Transcript.Text
	if len(text) > 280 {
		text = text[:280]
	}
	return StageOutput{Summary: &Summary{
		Text:      text,
		KeyPoints: []string{text},
	}}, nil
}

func builtinScript(_ context.Context, input StageInput) (StageOutput, error) {
	if input.Previous.Summary == nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: "script synthesis requires a summary"}
	}
	lines := make([]ScriptLine, 0, len(input.Previous.Summary.KeyPoints)+1)
	lines = append(lines, ScriptLine{Speaker: "host", Text: "Welcome to the show."})
	speakers := []string{"guest", "host"}
	for i, point := range input.Previous.Summary.KeyPoints {
		lines = append(lines, ScriptLine{Speaker: speakers[i%len(speakers)], Text: point})
	}
	return StageOutput{Script: &Script{Title: "Generated episode", Lines: lines}}, nil
}

func builtinRender(_ context.Context, input StageInput) (StageOutput, error) {
	if input.Previous.Script == nil {
		return StageOutput{}, &task.StageError{Kind: task.ErrorFatal, Message: "render requires a script"}
	}
	return StageOutput{Audio: &AudioRef{
		URI:         fmt.Sprintf("memory://%s/episode.wav", input.JobID),
		Format:      "wav",
		DurationSec: float64(len(input.Previous.Script.Lines)) * 4.0,
	}}, nil
}

// DefaultStages wires the fixed pipeline: a remote HTTP collaborator for
// each stage with a configured address, the built-in collaborator
// otherwise.
func DefaultStages(cfg *config.Config) []StageDef {
	timeout := time.Duration(cfg.Environment.StageTimeoutSec) * time.Second
	pick := func(stage, addr string, fallback CollaboratorFunc) Collaborator {
		if addr != "" {
			return NewHTTPCollaborator(stage, addr, timeout)
		}
		return fallback
	}
	return []StageDef{
		{Name: StageFetch, Collaborator: pick(StageFetch, cfg.Environment.FetchAddr, builtinFetch)},
		{Name: StageSummarize, Collaborator: pick(StageSummarize, cfg.Environment.SummarizeAddr, builtinSummarize)},
		{Name: StageScript, Collaborator: pick(StageScript, cfg.Environment.ScriptAddr, builtinScript)},
		{Name: StageRender, Collaborator: pick(StageRender, cfg.Environment.RenderAddr, builtinRender)},
	}
}
