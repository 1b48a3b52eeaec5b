package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/audioloom/podforge/api/task"
)

// Pipeline stage names, in execution order.
const (
	StageFetch     = "fetch"
	StageSummarize = "summarize"
	StageScript    = "script"
	StageRender    = "render"
)

// StageNames returns the ordered stage list of the fixed pipeline.
func StageNames() []string {
	return []string{StageFetch, StageSummarize, StageScript, StageRender}
}

// StageInput is what a collaborator receives: the job context plus the
// previous stage's output.
type StageInput struct {
	JobID     string      `json:"job_id"`
	Stage     string      `json:"stage"`
	SourceRef string      `json:"source_reference"`
	Previous  StageOutput `json:"previous,omitempty"`
}

// Transcript is the fetch stage's output.
type Transcript struct {
	SourceRef string `json:"source_reference"`
	Language  string `json:"language,omitempty"`
	Text      string `json:"text"`
}

// Summary is the summarize stage's output.
type Summary struct {
	Text      string   `json:"text"`
	KeyPoints []string `json:"key_points,omitempty"`
}

// ScriptLine is a single utterance of the synthesized dialogue.
type ScriptLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Script is the script stage's output.
type Script struct {
	Title string       `json:"title,omitempty"`
	Lines []ScriptLine `json:"lines"`
}

// AudioRef is the render stage's output: a handle to the rendered audio
// artifact.
type AudioRef struct {
	URI         string  `json:"uri"`
	Format      string  `json:"format,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// StageOutput is the tagged union of stage results. Exactly one field
// matching the producing stage is set; downstream components never parse
// prose to recover structure.
type StageOutput struct {
	Transcript *Transcript `json:"transcript,omitempty"`
	Summary    *Summary    `json:"summary,omitempty"`
	Script     *Script     `json:"script,omitempty"`
	Audio      *AudioRef   `json:"audio,omitempty"`
}

// Validate checks that the output carries the one field the named stage
// is contracted to produce.
func (o StageOutput) Validate(stageName string) error {
	set := 0
	if o.Transcript != nil {
		set++
	}
	if o.Summary != nil {
		set++
	}
	if o.Script != nil {
		set++
	}
	if o.Audio != nil {
		set++
	}
	if set != 1 {
		return errors.Errorf("stage %s produced %d output variants, want exactly 1", stageName, set)
	}

	var ok bool
	switch stageName {
	case StageFetch:
		ok = o.Transcript != nil
	case StageSummarize:
		ok = o.Summary != nil
	case StageScript:
		ok = o.Script != nil
	case StageRender:
		ok = o.Audio != nil
	default:
		return errors.Errorf("unknown stage %s", stageName)
	}
	if !ok {
		return errors.Errorf("stage %s produced an output variant of the wrong kind", stageName)
	}
	return nil
}

// EmptyPayload reports whether the output is structurally valid but
// carries no usable content. Empty output is a success with a warning,
// never a failure.
func (o StageOutput) EmptyPayload() (bool, string) {
	switch {
	case o.Transcript != nil && strings.TrimSpace(o.Transcript.Text) == "":
		return true, "transcript is empty"
	case o.Summary != nil && strings.TrimSpace(o.Summary.Text) == "":
		return true, "summary is empty"
	case o.Script != nil && len(o.Script.Lines) == 0:
		return true, "script has no lines"
	case o.Audio != nil && o.Audio.URI == "":
		return true, "audio reference is empty"
	}
	return false, ""
}

// Collaborator is the external unit of work behind one stage. Content is
// entirely collaborator-defined; the engine only cares about the typed
// result and the transient/fatal error distinction.
type Collaborator interface {
	Execute(ctx context.Context, input StageInput) (StageOutput, error)
}

// CollaboratorFunc adapts a function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, input StageInput) (StageOutput, error)

// Execute implements Collaborator.
func (f CollaboratorFunc) Execute(ctx context.Context, input StageInput) (StageOutput, error) {
	return f(ctx, input)
}

// StageDef binds a stage name to its collaborator.
type StageDef struct {
	Name         string
	Collaborator Collaborator
}

// Executor runs one collaborator call with uniform timeout, retry and
// error-classification semantics. It has no knowledge of other stages.
type Executor struct {
	Timeout time.Duration
	Retries uint64
	Backoff time.Duration
}

// classify maps an arbitrary collaborator error to a StageError.
// Collaborators may pre-classify by returning a *task.StageError;
// timeouts and unclassified errors count as transient.
func classify(err error) *task.StageError {
	var stageErr *task.StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &task.StageError{Kind: task.ErrorTransient, Message: "collaborator call timed out"}
	}
	return &task.StageError{Kind: task.ErrorTransient, Message: err.Error()}
}

// Run executes the collaborator for one stage. Transient failures are
// retried with a constant backoff up to the configured bound and never
// surface unless retries are exhausted, at which point the error
// escalates to fatal. The notify callback observes each retried attempt.
func (e *Executor) Run(ctx context.Context, stageName string, collab Collaborator, input StageInput, notify backoff.Notify) (StageOutput, *task.StageError) {
	var out StageOutput

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.Timeout)
		defer cancel()

		result, err := collab.Execute(attemptCtx, input)
		if err != nil {
			stageErr := classify(err)
			if stageErr.Kind != task.ErrorTransient {
				return backoff.Permanent(stageErr)
			}
			if ctx.Err() != nil {
				// the job itself was cancelled, not the attempt
				return backoff.Permanent(&task.StageError{Kind: task.ErrorShutdown, Message: "job cancelled: " + stageErr.Message})
			}
			return stageErr
		}
		if err := result.Validate(stageName); err != nil {
			return backoff.Permanent(&task.StageError{Kind: task.ErrorFatal, Message: err.Error()})
		}
		out = result
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.Backoff), e.Retries),
		ctx,
	)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		stageErr := classify(err)
		if stageErr.Kind == task.ErrorTransient {
			if ctx.Err() != nil {
				// cancelled while waiting out a backoff pause
				return StageOutput{}, &task.StageError{Kind: task.ErrorShutdown, Message: "job cancelled: " + stageErr.Message}
			}
			// retries exhausted: escalate for observability and job termination
			stageErr = &task.StageError{Kind: task.ErrorFatal, Message: "retries exhausted: " + stageErr.Message}
		}
		return StageOutput{}, stageErr
	}
	return out, nil
}
