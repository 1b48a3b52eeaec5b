package task

import "time"

// JobStatus defines the overall execution state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StageStatus defines the execution state of a single pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// CanTransitionTo checks if a stage status transition is valid.
// Valid transitions:
//
//	pending -> running
//	running -> completed | failed
//	pending -> failed (shutdown abandonment only)
func (s StageStatus) CanTransitionTo(next StageStatus) bool {
	switch s {
	case StagePending:
		return next == StageRunning || next == StageFailed
	case StageRunning:
		return next == StageCompleted || next == StageFailed
	default:
		return false
	}
}

// EdgeStatus tracks the logical handoff of one stage's output to the next.
type EdgeStatus string

const (
	EdgePending      EdgeStatus = "pending"
	EdgeTransferring EdgeStatus = "transferring"
	EdgeCompleted    EdgeStatus = "completed"
	EdgeFailed       EdgeStatus = "failed"
)

// EventKind is the closed set of timeline event types.
type EventKind string

const (
	EventJobQueued      EventKind = "job_queued"
	EventJobStarted     EventKind = "job_started"
	EventJobCompleted   EventKind = "job_completed"
	EventJobFailed      EventKind = "job_failed"
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventStageFailed    EventKind = "stage_failed"
	EventStageRetried   EventKind = "stage_retried"
	EventDataTransfer   EventKind = "data_transfer"
	EventWarning        EventKind = "warning"
)

// ErrorKind classifies stage errors for retry strategy and reporting.
type ErrorKind string

const (
	// ErrorTransient covers network faults and timeouts that are retried automatically.
	ErrorTransient ErrorKind = "transient"
	// ErrorFatal covers invalid input, quota exhaustion and exhausted retries.
	ErrorFatal ErrorKind = "fatal"
	// ErrorShutdown marks a job abandoned by process shutdown.
	ErrorShutdown ErrorKind = "shutdown"
)

// StageError captures error details for a failed stage.
type StageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// JobError is the terminal error of a failed job, naming the failing stage.
type JobError struct {
	Stage   string    `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// StageLog is one structured, append-only log entry scoped to a stage.
type StageLog struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// StageRecord tracks one named stage of a job's pipeline.
type StageRecord struct {
	Name        string      `json:"name"`
	Status      StageStatus `json:"status"`
	Progress    int         `json:"progress"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Logs        []StageLog  `json:"logs,omitempty"`
	Output      interface{} `json:"output,omitempty"`
	Error       *StageError `json:"error,omitempty"`
}

// DataFlowEdge records the observability-only handoff between two
// consecutive stages. It carries no authoritative state.
type DataFlowEdge struct {
	From   string     `json:"from"`
	To     string     `json:"to"`
	Status EdgeStatus `json:"status"`
}

// TimelineEvent is one entry of a job's append-only audit trail.
type TimelineEvent struct {
	At      time.Time `json:"at"`
	JobID   string    `json:"job_id"`
	Kind    EventKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// Job represents a single end-to-end run through the pipeline.
//
// Status, Progress, Result and Error are derived from the stage list and
// never set independently.
type Job struct {
	ID          string          `json:"id"`
	SourceRef   string          `json:"source_reference"`
	ClientKey   string          `json:"client_key"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Stages      []StageRecord   `json:"stages"`
	Edges       []DataFlowEdge  `json:"edges"`
	Timeline    []TimelineEvent `json:"timeline"`
	Result      interface{}     `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
}

// Stage returns a pointer to the named stage record, or nil.
func (j *Job) Stage(name string) *StageRecord {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return &j.Stages[i]
		}
	}
	return nil
}

// deriveStatus computes the overall job status from the stage list.
func deriveStatus(stages []StageRecord) JobStatus {
	completed := 0
	for i := range stages {
		switch stages[i].Status {
		case StageFailed:
			return JobFailed
		case StageCompleted:
			completed++
		case StageRunning:
			return JobRunning
		}
	}
	if completed == len(stages) && len(stages) > 0 {
		return JobCompleted
	}
	if completed > 0 {
		// between stages: some work done, none active, none failed
		return JobRunning
	}
	return JobQueued
}

// runningStageShare is the coarse fraction of a stage's progress share
// credited as soon as the stage starts. Intra-stage granularity is
// collaborator-defined and not guaranteed.
const runningStageShare = 0.1

// deriveProgress computes overall progress from the stage list.
func deriveProgress(stages []StageRecord) int {
	if len(stages) == 0 {
		return 0
	}
	total := 0.0
	for i := range stages {
		switch stages[i].Status {
		case StageCompleted:
			total += 1.0
		case StageRunning:
			total += runningStageShare
		}
	}
	return int(100 * total / float64(len(stages)))
}
