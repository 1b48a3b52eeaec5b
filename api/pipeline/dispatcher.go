package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vova616/xxhash"

	"github.com/audioloom/podforge/api/events"
	"github.com/audioloom/podforge/api/queue"
	"github.com/audioloom/podforge/api/ratelimit"
	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/api/telemetry"
	"github.com/audioloom/podforge/config"
)

// ErrRateLimited is returned when the client exceeded its admission rate;
// the accompanying Decision carries exact retry timing.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrQueueFull is returned when the admission queue has no room.
var ErrQueueFull = errors.New("admission queue full")

// ErrInvalidSubmission is returned for submissions missing required fields.
var ErrInvalidSubmission = errors.New("invalid submission")

// Submission is one admitted job waiting for a run slot.
type Submission struct {
	JobID     string
	SourceRef string
	ClientKey string
	Key       uint32
}

// SubmitResult is the outcome of a submission attempt. Decision is
// populated whenever the rate limiter was consulted so callers can emit
// rate-limit headers on both acceptance and rejection.
type SubmitResult struct {
	JobID     string
	Duplicate bool
	Decision  ratelimit.Decision
}

// Dispatcher accepts new job requests, applies admission control,
// creates the store record and hands the job to exactly one runner.
//
// Execution order is FIFO: a dispatch loop dequeues admitted jobs and
// launches each runner once one of the Parallelism run slots frees.
type Dispatcher struct {
	config.Config
	store    *task.Store
	hub      *events.Hub
	limiter  *ratelimit.Limiter
	queue    queue.AdmissionQueue
	executor *Executor
	stages   []StageDef

	runCtx   context.Context
	cancel   context.CancelFunc
	slots    chan struct{}
	wg       sync.WaitGroup
	loopDone chan struct{}
	stopCh   chan struct{}

	mutex    *sync.RWMutex
	running  bool
	inflight map[uint32]string
}

// NewDispatcher creates a dispatcher over the given collaborator stages.
func NewDispatcher(cfg *config.Config, store *task.Store, hub *events.Hub, limiter *ratelimit.Limiter, admission queue.AdmissionQueue, stages []StageDef) *Dispatcher {
	runCtx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		Config: config.Config{
			Logger:      cfg.Logger,
			Environment: cfg.Environment,
			Clock:       cfg.Clock,
		},
		store:   store,
		hub:     hub,
		limiter: limiter,
		queue:   admission,
		executor: &Executor{
			Timeout: time.Duration(cfg.Environment.StageTimeoutSec) * time.Second,
			Retries: uint64(cfg.Environment.StageRetries),
			Backoff: time.Duration(cfg.Environment.StageRetryBackoffMs) * time.Millisecond,
		},
		stages:   stages,
		runCtx:   runCtx,
		cancel:   cancel,
		slots:    make(chan struct{}, cfg.Environment.Parallelism),
		loopDone: make(chan struct{}),
		stopCh:   make(chan struct{}),
		mutex:    &sync.RWMutex{},
		inflight: map[uint32]string{},
	}
}

// Submit runs admission control and, on success, registers a Queued job
// and enqueues it for execution. The call returns as soon as the job is
// admitted; it never waits for the pipeline.
//
// A submission identical to one still in flight (same client and source)
// is answered with the existing job ID instead of a new job.
func (d *Dispatcher) Submit(clientKey, sourceRef string) (SubmitResult, error) {
	if strings.TrimSpace(clientKey) == "" {
		return SubmitResult{}, errors.Wrap(ErrInvalidSubmission, "client_key missing")
	}
	if strings.TrimSpace(sourceRef) == "" {
		return SubmitResult{}, errors.Wrap(ErrInvalidSubmission, "source_reference missing")
	}

	key := xxhash.Checksum32([]byte(clientKey + "\x00" + sourceRef))

	d.mutex.RLock()
	existing := d.inflight[key]
	d.mutex.RUnlock()
	if existing != "" {
		return SubmitResult{JobID: existing, Duplicate: true}, nil
	}

	decision := d.limiter.Admit(clientKey)
	if !decision.Allowed {
		telemetry.RateLimitRejects.Inc()
		return SubmitResult{Decision: decision}, ErrRateLimited
	}

	jobID := uuid.New().String()

	// reserve the dedup key first so concurrent duplicates collapse onto
	// one job
	d.mutex.Lock()
	if existing := d.inflight[key]; existing != "" {
		d.mutex.Unlock()
		return SubmitResult{JobID: existing, Duplicate: true, Decision: decision}, nil
	}
	d.inflight[key] = jobID
	d.mutex.Unlock()

	names := make([]string, len(d.stages))
	for i, s := range d.stages {
		names[i] = s.Name
	}
	snap, err := d.store.Create(jobID, sourceRef, clientKey, names)
	if err != nil {
		d.clearInflight(key)
		return SubmitResult{Decision: decision}, err
	}
	d.hub.Publish(snap)

	ok, err := d.queue.Enqueue(Submission{JobID: jobID, SourceRef: sourceRef, ClientKey: clientKey, Key: key})
	if err != nil || !ok {
		d.clearInflight(key)
		if snap, aerr := d.store.Abandon(jobID, "admission queue full"); aerr == nil {
			d.hub.Publish(snap)
		}
		if err != nil {
			return SubmitResult{Decision: decision}, errors.Wrap(err, "admission queue rejected job")
		}
		return SubmitResult{Decision: decision}, ErrQueueFull
	}

	telemetry.SubmissionCounter.Inc()
	telemetry.WaitingGauge.Set(float64(d.queue.Size()))
	d.Logger.Infof("job %s: admitted for %s (remaining budget %d)", jobID, sourceRef, decision.Remaining)
	return SubmitResult{JobID: jobID, Decision: decision}, nil
}

// Start initiates the dispatch loop servicing the admission queue.
func (d *Dispatcher) Start() {
	d.mutex.Lock()
	if d.running {
		d.mutex.Unlock()
		return
	}
	d.running = true
	d.mutex.Unlock()

	// Read from the queue until we get shut down.
	go func() {
		defer close(d.loopDone)
		for {
			item, err := d.queue.Dequeue()
			if err != nil {
				// queue closed and drained
				return
			}
			sub, castOK := item.(Submission)
			if !castOK {
				d.Logger.Errorf("unhandled admission item type %T", item)
				continue
			}
			telemetry.WaitingGauge.Set(float64(d.queue.Size()))

			select {
			case <-d.stopCh:
				d.abandon(sub, "shutdown before execution")
				continue
			default:
			}

			select {
			case d.slots <- struct{}{}:
				d.launch(sub)
			case <-d.stopCh:
				d.abandon(sub, "shutdown before execution")
			}
		}
	}()
}

// launch constructs the job's one runner synchronously, then executes it
// in the background. The held run slot is released when the runner ends.
func (d *Dispatcher) launch(sub Submission) {
	runner := NewRunner(&d.Config, sub.JobID, sub.SourceRef, d.store, d.hub, d.executor, d.stages)

	d.wg.Add(1)
	telemetry.RunningGauge.Inc()
	go func() {
		defer func() {
			telemetry.RunningGauge.Dec()
			<-d.slots
			d.clearInflight(sub.Key)
			d.wg.Done()
		}()
		runner.Run(d.runCtx)
	}()
}

// Running reports whether the dispatch loop is active.
func (d *Dispatcher) Running() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.running
}

// Waiting reports the number of admitted jobs not yet executing.
func (d *Dispatcher) Waiting() int {
	return d.queue.Size()
}

// Stop shuts the dispatcher down: intake closes immediately, queued jobs
// are abandoned, and in-flight stages get the grace period to reach a
// terminal state before their contexts are cancelled.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.mutex.Lock()
	if !d.running {
		d.mutex.Unlock()
		return
	}
	d.running = false
	d.mutex.Unlock()

	close(d.stopCh)
	if err := d.queue.Close(); err != nil {
		d.Logger.Warnf("closing admission queue: %v", err)
	}
	<-d.loopDone

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := d.Clock.Timer(grace)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		d.Logger.Warnf("shutdown grace of %s elapsed, cancelling in-flight stages", grace)
		d.cancel()
		<-done
	}
	d.cancel()
}

func (d *Dispatcher) abandon(sub Submission, reason string) {
	d.clearInflight(sub.Key)
	snap, err := d.store.Abandon(sub.JobID, reason)
	if err != nil {
		d.Logger.Errorf("job %s: abandoning: %v", sub.JobID, err)
		return
	}
	telemetry.JobsFailed.Inc()
	d.hub.Publish(snap)
}

func (d *Dispatcher) clearInflight(key uint32) {
	d.mutex.Lock()
	delete(d.inflight, key)
	d.mutex.Unlock()
}
