package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/audioloom/podforge/api/events"
	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/api/telemetry"
	"github.com/audioloom/podforge/config"
)

// Runner drives the ordered stage list for exactly one job. It is the
// sole owner of the job's mutable state for the job's entire lifetime:
// every mutation goes through the store and every store mutation is
// followed by a hub publish, so polling and push can never disagree.
type Runner struct {
	config.Config
	jobID     string
	sourceRef string
	store     *task.Store
	hub       *events.Hub
	executor  *Executor
	stages    []StageDef
}

// NewRunner constructs the runner for one job. The dispatcher constructs
// at most one runner per job ID.
func NewRunner(cfg *config.Config, jobID, sourceRef string, store *task.Store, hub *events.Hub, executor *Executor, stages []StageDef) *Runner {
	return &Runner{
		Config: config.Config{
			Logger:      cfg.Logger,
			Environment: cfg.Environment,
			Clock:       cfg.Clock,
		},
		jobID:     jobID,
		sourceRef: sourceRef,
		store:     store,
		hub:       hub,
		executor:  executor,
		stages:    stages,
	}
}

// Run executes the pipeline to a terminal state. A stage failure stops
// the pipeline; subsequent stages are never started. Any panic is caught
// at this boundary and converted into a Failed terminal state so one
// job's fault can never reach the dispatcher or other jobs.
func (r *Runner) Run(ctx context.Context) {
	var current string
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Errorf("job %s: pipeline panic in stage %s: %v", r.jobID, current, p)
			r.failStage(current, &task.StageError{
				Kind:    task.ErrorFatal,
				Message: fmt.Sprintf("internal error: %v", p),
			})
		}
	}()

	var prev StageOutput
	for i, stage := range r.stages {
		current = stage.Name

		snap, err := r.store.ApplyStageTransition(r.jobID, stage.Name, task.StageRunning, task.StageFields{})
		if err != nil {
			// invariant violation: fail loudly rather than corrupt state
			r.Logger.Errorf("job %s: refusing to run stage %s: %v", r.jobID, stage.Name, err)
			return
		}
		r.hub.Publish(snap)
		telemetry.StageRuns.Inc()

		input := StageInput{
			JobID:     r.jobID,
			Stage:     stage.Name,
			SourceRef: r.sourceRef,
			Previous:  prev,
		}
		out, stageErr := r.executor.Run(ctx, stage.Name, stage.Collaborator, input, r.notifyRetry(stage.Name))
		if stageErr != nil {
			telemetry.StageFailures.Inc()
			r.failStage(stage.Name, stageErr)
			return
		}

		if empty, why := out.EmptyPayload(); empty {
			if snap, err := r.store.AppendTimeline(r.jobID, task.EventWarning, stage.Name, why); err == nil {
				r.hub.Publish(snap)
			}
			if _, err := r.store.AppendStageLog(r.jobID, stage.Name, "warn", why); err != nil {
				r.Logger.Warnf("job %s: %v", r.jobID, err)
			}
		}

		snap, err = r.store.ApplyStageTransition(r.jobID, stage.Name, task.StageCompleted, task.StageFields{Output: out})
		if err != nil {
			r.Logger.Errorf("job %s: completing stage %s: %v", r.jobID, stage.Name, err)
			return
		}
		r.hub.Publish(snap)

		if i+1 < len(r.stages) {
			r.advanceEdge(stage.Name, r.stages[i+1].Name)
		}
		prev = out
	}

	telemetry.JobsCompleted.Inc()
	r.Logger.Infof("job %s: pipeline completed", r.jobID)
}

// advanceEdge walks the handoff edge through transferring to completed,
// publishing each step for observers.
func (r *Runner) advanceEdge(from, to string) {
	if snap, err := r.store.SetEdge(r.jobID, from, to, task.EdgeTransferring); err == nil {
		r.hub.Publish(snap)
	} else {
		r.Logger.Errorf("job %s: %v", r.jobID, err)
	}
	if snap, err := r.store.AppendTimeline(r.jobID, task.EventDataTransfer, to, fmt.Sprintf("handing %s output to %s", from, to)); err == nil {
		r.hub.Publish(snap)
	}
	if snap, err := r.store.SetEdge(r.jobID, from, to, task.EdgeCompleted); err == nil {
		r.hub.Publish(snap)
	} else {
		r.Logger.Errorf("job %s: %v", r.jobID, err)
	}
}

func (r *Runner) failStage(stageName string, stageErr *task.StageError) {
	snap, err := r.store.ApplyStageTransition(r.jobID, stageName, task.StageFailed, task.StageFields{Error: stageErr})
	if err != nil {
		r.Logger.Errorf("job %s: recording failure of stage %s: %v", r.jobID, stageName, err)
		return
	}
	telemetry.JobsFailed.Inc()
	r.hub.Publish(snap)
	r.Logger.Warnf("job %s: stage %s failed: %s", r.jobID, stageName, stageErr.Message)
}

func (r *Runner) notifyRetry(stageName string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		telemetry.StageRetries.Inc()
		r.Logger.Infof("job %s: stage %s retrying in %s: %v", r.jobID, stageName, wait, err)
		if snap, publishErr := r.store.AppendTimeline(r.jobID, task.EventStageRetried, stageName, "retrying after transient failure: "+err.Error()); publishErr == nil {
			r.hub.Publish(snap)
		}
		if _, logErr := r.store.AppendStageLog(r.jobID, stageName, "info", "retrying: "+err.Error()); logErr != nil {
			r.Logger.Warnf("job %s: %v", r.jobID, logErr)
		}
	}
}
