package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/audioloom/podforge/api/events"
	"github.com/audioloom/podforge/api/pipeline"
	"github.com/audioloom/podforge/api/queue"
	"github.com/audioloom/podforge/api/ratelimit"
	"github.com/audioloom/podforge/api/routes"
	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/config"
)

type serverFixture struct {
	router     http.Handler
	store      *task.Store
	dispatcher *pipeline.Dispatcher
}

func newServerFixture(t *testing.T, rateMax int) *serverFixture {
	cfg := config.Config{
		Logger: zap.NewNop().Sugar(),
		Environment: &config.Environment{
			Parallelism:         2,
			AdmissionQueueSize:  10,
			RateLimitMax:        rateMax,
			RateLimitWindowSec:  3600,
			StageTimeoutSec:     5,
			StageRetries:        1,
			StageRetryBackoffMs: 1,
			HistoryPageMax:      50,
		},
		Clock: clock.New(),
	}
	store := task.NewStore(cfg.Clock)
	hub := events.NewHub(store)
	limiter := ratelimit.NewLimiter(cfg.Clock, rateMax, time.Hour)
	admission := queue.NewListFIFOQueue(cfg.Environment.AdmissionQueueSize)
	dispatcher := pipeline.NewDispatcher(&cfg, store, hub, limiter, admission, pipeline.DefaultStages(&cfg))
	dispatcher.Start()
	t.Cleanup(func() { dispatcher.Stop(time.Second) })

	router, err := NewRouter(cfg, store, hub, dispatcher)
	require.NoError(t, err)
	return &serverFixture{router: router, store: store, dispatcher: dispatcher}
}

func (f *serverFixture) submit(t *testing.T, clientKey, sourceRef string) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"source_reference": %q, "client_key": %q}`, sourceRef, clientKey)
	req := httptest.NewRequest("POST", "/pipeline/jobs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) waitForTerminal(t *testing.T, jobID string) task.Job {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.store.Get(jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return task.Job{}
}

func TestSubmitAccepted(t *testing.T) {
	f := newServerFixture(t, 10)

	rec := f.submit(t, "client-a", "media://episode-1")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))

	var resp routes.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "queued", resp.Status)

	job := f.waitForTerminal(t, resp.JobID)
	assert.Equal(t, task.JobCompleted, job.Status)
}

func TestSubmitBadRequests(t *testing.T) {
	f := newServerFixture(t, 10)

	req := httptest.NewRequest("POST", "/pipeline/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.submit(t, "", "media://episode-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.submit(t, "client-a", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRateLimitHeaders(t *testing.T) {
	f := newServerFixture(t, 1)

	first := f.submit(t, "client-a", "media://episode-1")
	require.Equal(t, http.StatusAccepted, first.Code)

	var accepted routes.SubmitResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &accepted))
	f.waitForTerminal(t, accepted.JobID)

	rec := f.submit(t, "client-a", "media://episode-2")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp routes.RateLimitedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Limit)
	assert.Equal(t, 3600, resp.WindowSeconds)
	assert.Greater(t, resp.RetryAfterSeconds, 0)
}

func TestStatusEndpoint(t *testing.T) {
	f := newServerFixture(t, 10)

	rec := f.submit(t, "client-a", "media://episode-1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted routes.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	f.waitForTerminal(t, accepted.JobID)

	req := httptest.NewRequest("GET", "/pipeline/jobs/"+accepted.JobID, nil)
	statusRec := httptest.NewRecorder()
	f.router.ServeHTTP(statusRec, req)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var job task.Job
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &job))
	assert.Equal(t, accepted.JobID, job.ID)
	assert.Equal(t, task.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Len(t, job.Stages, 4)
	assert.Len(t, job.Edges, 3)
	assert.NotEmpty(t, job.Timeline)
	assert.NotNil(t, job.Result)

	req = httptest.NewRequest("GET", "/pipeline/jobs/no-such-job", nil)
	missing := httptest.NewRecorder()
	f.router.ServeHTTP(missing, req)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHistoryPagination(t *testing.T) {
	f := newServerFixture(t, 10)

	ids := make([]string, 3)
	for i := range ids {
		rec := f.submit(t, "client-a", fmt.Sprintf("media://episode-%d", i))
		require.Equal(t, http.StatusAccepted, rec.Code)
		var accepted routes.SubmitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
		ids[i] = accepted.JobID
		f.waitForTerminal(t, accepted.JobID)
	}

	req := httptest.NewRequest("GET", "/pipeline/jobs?limit=2", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page routes.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 2)
	// newest finished first
	assert.Equal(t, ids[2], page.Jobs[0].ID)
	assert.Equal(t, ids[1], page.Jobs[1].ID)

	req = httptest.NewRequest("GET", "/pipeline/jobs?limit=2&offset=2", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, ids[0], page.Jobs[0].ID)

	req = httptest.NewRequest("GET", "/pipeline/jobs?limit=nope", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitingEndpoint(t *testing.T) {
	f := newServerFixture(t, 10)

	req := httptest.NewRequest("GET", "/pipeline/waiting", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp routes.WaitingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, resp.Count, 0)
}

func TestEventsStream(t *testing.T) {
	f := newServerFixture(t, 10)

	rec := f.submit(t, "client-a", "media://episode-1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted routes.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	server := httptest.NewServer(f.router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/pipeline/jobs/" + accepted.JobID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// the stream closes on its own once the job reaches a terminal state,
	// so reading to the end terminates
	var last task.Job
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, accepted.JobID, last.ID)
	assert.True(t, last.Status.Terminal())

	missing, err := http.Get(server.URL + "/pipeline/jobs/no-such-job/events")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
