package task

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// ErrNotFound is returned for lookups of unknown job IDs.
var ErrNotFound = errors.New("job not found")

// ErrInvariant signals a broken internal invariant (out-of-order stage
// transition, duplicate job, mutation of a terminal job). It must never
// occur under a correct caller; callers should fail loudly on it.
var ErrInvariant = errors.New("internal invariant violation")

// Store is the in-memory registry of jobs and the single source of truth
// for status queries.
//
// The registry lock guards only the job map; each job carries its own
// mutex so mutations to unrelated jobs never contend. All reads return
// deep-copied snapshots, never live references.
type Store struct {
	clk      clock.Clock
	mu       sync.RWMutex
	entries  map[string]*entry
	finished []string // job IDs in order of completion
}

type entry struct {
	mu          sync.Mutex
	job         *Job
	maxProgress int
}

// NewStore creates an empty store using the supplied clock for timestamps.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		clk:     clk,
		entries: map[string]*entry{},
	}
}

// Create registers a new Queued job with the given ordered stage names.
// Consecutive stage pairs get a Pending data flow edge.
func (s *Store) Create(id, sourceRef, clientKey string, stageNames []string) (Job, error) {
	now := s.clk.Now()

	stages := make([]StageRecord, len(stageNames))
	for i, name := range stageNames {
		stages[i] = StageRecord{Name: name, Status: StagePending}
	}
	edges := make([]DataFlowEdge, 0, len(stageNames)-1)
	for i := 0; i+1 < len(stageNames); i++ {
		edges = append(edges, DataFlowEdge{From: stageNames[i], To: stageNames[i+1], Status: EdgePending})
	}

	job := &Job{
		ID:        id,
		SourceRef: sourceRef,
		ClientKey: clientKey,
		Status:    JobQueued,
		CreatedAt: now,
		Stages:    stages,
		Edges:     edges,
		Timeline: []TimelineEvent{
			{At: now, JobID: id, Kind: EventJobQueued, Message: "job queued"},
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return Job{}, errors.Wrapf(ErrInvariant, "job %s already exists", id)
	}
	s.entries[id] = &entry{job: job}
	return snapshot(job), nil
}

// Get returns an immutable snapshot of the job.
func (s *Store) Get(id string) (Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.job), nil
}

// StageFields carries the optional fields of a stage transition.
type StageFields struct {
	Output interface{}
	Error  *StageError
}

// ApplyStageTransition moves the named stage to a new status, stamps
// timestamps, appends the matching timeline event and re-derives the
// job's overall status and progress. The updated snapshot is returned.
//
// Transitions on a terminal job, unknown stages and invalid status moves
// all surface ErrInvariant.
func (s *Store) ApplyStageTransition(jobID, stageName string, status StageStatus, fields StageFields) (Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.job

	if job.Status.Terminal() {
		return Job{}, errors.Wrapf(ErrInvariant, "job %s is terminal, refusing %s -> %s", jobID, stageName, status)
	}
	stage := job.Stage(stageName)
	if stage == nil {
		return Job{}, errors.Wrapf(ErrInvariant, "job %s has no stage %s", jobID, stageName)
	}
	if !stage.Status.CanTransitionTo(status) {
		return Job{}, errors.Wrapf(ErrInvariant, "job %s stage %s: invalid transition %s -> %s", jobID, stageName, stage.Status, status)
	}
	if status == StageRunning {
		for i := range job.Stages {
			if job.Stages[i].Status == StageRunning {
				return Job{}, errors.Wrapf(ErrInvariant, "job %s stage %s is already running", jobID, job.Stages[i].Name)
			}
		}
	}

	now := s.clk.Now()
	switch status {
	case StageRunning:
		if job.Status == JobQueued {
			s.appendEvent(job, EventJobStarted, "", "pipeline started")
		}
		stage.Status = StageRunning
		stage.StartedAt = &now
		stage.Progress = 0
		s.appendEvent(job, EventStageStarted, stageName, "stage started")
	case StageCompleted:
		stage.Status = StageCompleted
		stage.CompletedAt = &now
		stage.Progress = 100
		stage.Output = fields.Output
		s.appendEvent(job, EventStageCompleted, stageName, "stage completed")
	case StageFailed:
		stage.Status = StageFailed
		stage.CompletedAt = &now
		stage.Error = fields.Error
		msg := "stage failed"
		if fields.Error != nil {
			msg = "stage failed: " + fields.Error.Message
		}
		s.appendEvent(job, EventStageFailed, stageName, msg)
	}

	s.derive(e)
	return snapshot(job), nil
}

// AppendTimeline records an audit event for a non-terminal job.
func (s *Store) AppendTimeline(jobID string, kind EventKind, stageName, message string) (Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return Job{}, errors.Wrapf(ErrInvariant, "job %s is terminal, refusing timeline append", jobID)
	}
	s.appendEvent(e.job, kind, stageName, message)
	return snapshot(e.job), nil
}

// AppendStageLog appends a structured log entry to the named stage.
func (s *Store) AppendStageLog(jobID, stageName, level, message string) (Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	stage := e.job.Stage(stageName)
	if stage == nil {
		return Job{}, errors.Wrapf(ErrInvariant, "job %s has no stage %s", jobID, stageName)
	}
	stage.Logs = append(stage.Logs, StageLog{At: s.clk.Now(), Level: level, Message: message})
	return snapshot(e.job), nil
}

// SetEdge updates the data flow edge between two consecutive stages.
func (s *Store) SetEdge(jobID, from, to string, status EdgeStatus) (Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.job.Edges {
		edge := &e.job.Edges[i]
		if edge.From == from && edge.To == to {
			edge.Status = status
			return snapshot(e.job), nil
		}
	}
	return Job{}, errors.Wrapf(ErrInvariant, "job %s has no edge %s -> %s", jobID, from, to)
}

// Abandon fails the job's active (or next pending) stage with a shutdown
// error, driving the job to a Failed terminal state. Terminal jobs are
// returned unchanged.
func (s *Store) Abandon(jobID, reason string) (Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.job
	if job.Status.Terminal() {
		return snapshot(job), nil
	}

	var target *StageRecord
	for i := range job.Stages {
		if job.Stages[i].Status == StageRunning {
			target = &job.Stages[i]
			break
		}
	}
	if target == nil {
		for i := range job.Stages {
			if job.Stages[i].Status == StagePending {
				target = &job.Stages[i]
				break
			}
		}
	}
	if target == nil {
		return Job{}, errors.Wrapf(ErrInvariant, "job %s has no stage to abandon", jobID)
	}

	now := s.clk.Now()
	target.Status = StageFailed
	target.CompletedAt = &now
	target.Error = &StageError{Kind: ErrorShutdown, Message: reason}
	s.appendEvent(job, EventStageFailed, target.Name, "stage abandoned: "+reason)
	s.derive(e)
	return snapshot(job), nil
}

// ListFinished returns terminal jobs, most recently finished first.
func (s *Store) ListFinished(limit, offset int) []Job {
	s.mu.RLock()
	ids := make([]string, len(s.finished))
	copy(ids, s.finished)
	s.mu.RUnlock()

	// newest first
	jobs := make([]Job, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(jobs) < limit; i-- {
		if job, err := s.Get(ids[i]); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return e, nil
}

func (s *Store) appendEvent(job *Job, kind EventKind, stageName, message string) {
	job.Timeline = append(job.Timeline, TimelineEvent{
		At:      s.clk.Now(),
		JobID:   job.ID,
		Kind:    kind,
		Stage:   stageName,
		Message: message,
	})
}

// derive recomputes status and progress from the stage list, clamping
// progress to be non-decreasing, and finalizes terminal fields.
// Caller holds e.mu.
func (s *Store) derive(e *entry) {
	job := e.job
	prev := job.Status
	job.Status = deriveStatus(job.Stages)

	progress := deriveProgress(job.Stages)
	if progress < e.maxProgress {
		progress = e.maxProgress
	}
	e.maxProgress = progress
	job.Progress = progress

	if !prev.Terminal() && job.Status.Terminal() {
		now := s.clk.Now()
		job.CompletedAt = &now
		switch job.Status {
		case JobCompleted:
			job.Progress = 100
			e.maxProgress = 100
			job.Result = job.Stages[len(job.Stages)-1].Output
			s.appendEvent(job, EventJobCompleted, "", "job completed")
		case JobFailed:
			for i := range job.Stages {
				stage := &job.Stages[i]
				if stage.Status == StageFailed && stage.Error != nil {
					job.Error = &JobError{Stage: stage.Name, Kind: stage.Error.Kind, Message: stage.Error.Message}
					break
				}
			}
			s.appendEvent(job, EventJobFailed, "", "job failed")
		}

		s.mu.Lock()
		s.finished = append(s.finished, job.ID)
		s.mu.Unlock()
	}
}

// snapshot deep-copies a job so callers can never mutate store state.
// Stage outputs are treated as immutable opaque values and shared.
func snapshot(job *Job) Job {
	out := *job

	out.Stages = make([]StageRecord, len(job.Stages))
	copy(out.Stages, job.Stages)
	for i := range out.Stages {
		if logs := job.Stages[i].Logs; logs != nil {
			out.Stages[i].Logs = make([]StageLog, len(logs))
			copy(out.Stages[i].Logs, logs)
		}
	}

	out.Edges = make([]DataFlowEdge, len(job.Edges))
	copy(out.Edges, job.Edges)

	out.Timeline = make([]TimelineEvent, len(job.Timeline))
	copy(out.Timeline, job.Timeline)

	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	if job.Error != nil {
		e := *job.Error
		out.Error = &e
	}
	return out
}
