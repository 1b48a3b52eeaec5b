package task

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStages = []string{"fetch", "summarize", "render"}

func newTestStore() (*Store, *clock.Mock) {
	mock := clock.NewMock()
	return NewStore(mock), mock
}

func TestCreateInitialState(t *testing.T) {
	store, _ := newTestStore()

	job, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Len(t, job.Stages, 3)
	for _, stage := range job.Stages {
		assert.Equal(t, StagePending, stage.Status)
	}
	assert.Len(t, job.Edges, 2)
	for _, edge := range job.Edges {
		assert.Equal(t, EdgePending, edge.Status)
	}
	require.Len(t, job.Timeline, 1)
	assert.Equal(t, EventJobQueued, job.Timeline[0].Kind)

	// duplicate IDs break the single-owner invariant
	_, err = store.Create("job-1", "media://x", "client-a", testStages)
	assert.True(t, errors.Is(err, ErrInvariant))
}

func TestGetUnknownJob(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHappyPathDerivation(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	job, err := store.ApplyStageTransition("job-1", "fetch", StageRunning, StageFields{})
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
	assert.NotNil(t, job.Stage("fetch").StartedAt)

	job, err = store.ApplyStageTransition("job-1", "fetch", StageCompleted, StageFields{Output: "transcript"})
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
	assert.Equal(t, 33, job.Progress)

	_, err = store.ApplyStageTransition("job-1", "summarize", StageRunning, StageFields{})
	require.NoError(t, err)
	_, err = store.ApplyStageTransition("job-1", "summarize", StageCompleted, StageFields{Output: "summary"})
	require.NoError(t, err)
	_, err = store.ApplyStageTransition("job-1", "render", StageRunning, StageFields{})
	require.NoError(t, err)
	job, err = store.ApplyStageTransition("job-1", "render", StageCompleted, StageFields{Output: "audio"})
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "audio", job.Result)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, EventJobCompleted, job.Timeline[len(job.Timeline)-1].Kind)
}

func TestProgressMonotonic(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	last := 0
	advance := func(stage string, to StageStatus, fields StageFields) {
		job, err := store.ApplyStageTransition("job-1", stage, to, fields)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, job.Progress, last)
		last = job.Progress
	}

	advance("fetch", StageRunning, StageFields{})
	advance("fetch", StageCompleted, StageFields{})
	advance("summarize", StageRunning, StageFields{})
	advance("summarize", StageFailed, StageFields{Error: &StageError{Kind: ErrorFatal, Message: "boom"}})
}

func TestFailureTerminalState(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	_, err = store.ApplyStageTransition("job-1", "fetch", StageRunning, StageFields{})
	require.NoError(t, err)
	_, err = store.ApplyStageTransition("job-1", "fetch", StageCompleted, StageFields{})
	require.NoError(t, err)
	_, err = store.ApplyStageTransition("job-1", "summarize", StageRunning, StageFields{})
	require.NoError(t, err)
	job, err := store.ApplyStageTransition("job-1", "summarize", StageFailed, StageFields{Error: &StageError{Kind: ErrorFatal, Message: "no quota"}})
	require.NoError(t, err)

	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "summarize", job.Error.Stage)
	assert.Equal(t, ErrorFatal, job.Error.Kind)
	assert.Equal(t, "no quota", job.Error.Message)
	// stages after the failed one stay pending forever
	assert.Equal(t, StagePending, job.Stage("render").Status)

	// terminal immutability
	_, err = store.ApplyStageTransition("job-1", "render", StageRunning, StageFields{})
	assert.True(t, errors.Is(err, ErrInvariant))
	_, err = store.AppendTimeline("job-1", EventWarning, "", "too late")
	assert.True(t, errors.Is(err, ErrInvariant))
}

func TestSingleRunningStageInvariant(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	_, err = store.ApplyStageTransition("job-1", "fetch", StageRunning, StageFields{})
	require.NoError(t, err)
	_, err = store.ApplyStageTransition("job-1", "summarize", StageRunning, StageFields{})
	assert.True(t, errors.Is(err, ErrInvariant))
}

func TestInvalidTransitions(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	// pending -> completed skips running
	_, err = store.ApplyStageTransition("job-1", "fetch", StageCompleted, StageFields{})
	assert.True(t, errors.Is(err, ErrInvariant))

	_, err = store.ApplyStageTransition("job-1", "unknown", StageRunning, StageFields{})
	assert.True(t, errors.Is(err, ErrInvariant))
}

func TestSnapshotIsolation(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	snap, err := store.Get("job-1")
	require.NoError(t, err)
	snap.Stages[0].Status = StageFailed
	snap.Edges[0].Status = EdgeFailed
	snap.Timeline[0].Message = "tampered"

	fresh, err := store.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StagePending, fresh.Stages[0].Status)
	assert.Equal(t, EdgePending, fresh.Edges[0].Status)
	assert.Equal(t, "job queued", fresh.Timeline[0].Message)
}

func TestEdgesAndStageLogs(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)

	job, err := store.SetEdge("job-1", "fetch", "summarize", EdgeTransferring)
	require.NoError(t, err)
	assert.Equal(t, EdgeTransferring, job.Edges[0].Status)

	_, err = store.SetEdge("job-1", "fetch", "render", EdgeCompleted)
	assert.True(t, errors.Is(err, ErrInvariant))

	job, err = store.AppendStageLog("job-1", "fetch", "warn", "transcript is empty")
	require.NoError(t, err)
	require.Len(t, job.Stage("fetch").Logs, 1)
	assert.Equal(t, "warn", job.Stage("fetch").Logs[0].Level)
}

func TestAbandon(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Create("job-1", "media://x", "client-a", testStages)
	require.NoError(t, err)
	_, err = store.ApplyStageTransition("job-1", "fetch", StageRunning, StageFields{})
	require.NoError(t, err)

	job, err := store.Abandon("job-1", "shutdown")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, ErrorShutdown, job.Error.Kind)
	assert.Equal(t, "fetch", job.Error.Stage)

	// abandoning a terminal job is a no-op
	again, err := store.Abandon("job-1", "shutdown")
	require.NoError(t, err)
	assert.Equal(t, job.Status, again.Status)
}

func TestListFinishedOrder(t *testing.T) {
	store, mock := newTestStore()

	finish := func(id string) {
		_, err := store.Create(id, "media://x", "client-a", []string{"fetch"})
		require.NoError(t, err)
		_, err = store.ApplyStageTransition(id, "fetch", StageRunning, StageFields{})
		require.NoError(t, err)
		_, err = store.ApplyStageTransition(id, "fetch", StageCompleted, StageFields{})
		require.NoError(t, err)
	}

	finish("job-1")
	mock.Add(time.Minute)
	finish("job-2")
	mock.Add(time.Minute)
	finish("job-3")

	jobs := store.ListFinished(2, 0)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-3", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[1].ID)

	jobs = store.ListFinished(2, 2)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)

	assert.Empty(t, store.ListFinished(10, 3))
}
