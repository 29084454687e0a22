// Package orchestrator drives jobs through their lifecycle: destination
// selection, file staging, scheduler submission, reconciliation polling and
// result retrieval. All state transitions are linearised per job and
// persisted through the job store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/auth"
	"jobbroker/internal/destination"
	"jobbroker/internal/intake"
	"jobbroker/internal/job"
	"jobbroker/internal/jobstore"
	"jobbroker/internal/observability"
	"jobbroker/internal/scheduler"
	"jobbroker/pkg/backoff"
	"jobbroker/pkg/circuitbreaker"
)

// Tunables. The polling policy is per-job backoff starting at 1s, multiplied
// by 1.5 up to 60s, reset on any state change. Staging retries transient
// failures on a 5s, 10s, 20s, 40s, 80s schedule before failing the job.
const (
	reconcileTick    = time.Second
	pollConcurrency  = 32
	maxStateErrors   = 10
	stagingRetries   = 5
	stageWorkers     = 4
	stageQueueSize   = 256
)

var (
	pollConfig    = backoff.Config{Initial: time.Second, Factor: 1.5, Max: 60 * time.Second}
	stagingConfig = backoff.Config{Initial: 5 * time.Second, Factor: 2, Max: 80 * time.Second}
)

// SubmitRequest is a fully validated submission: the archive is staged, the
// principal authorized and the command rendered before the orchestrator is
// involved.
type SubmitRequest struct {
	Application string
	Name        string
	Principal   auth.Principal
	Command     string
	StagingDir  string
	Token       string
}

// pollState is the in-memory reconcile bookkeeping for one non-terminal job.
type pollState struct {
	poll       *backoff.Poll
	stateErrs  int
	inFlight   bool
	stagedIn   bool
}

// Orchestrator owns the job lifecycle.
type Orchestrator struct {
	store        jobstore.Store
	destinations map[string]*destination.Destination
	picker       destination.Picker
	jobRoot      string
	metrics      *observability.Metrics
	logger       *slog.Logger

	mu       sync.Mutex
	locks    map[int64]*sync.Mutex
	polls    map[int64]*pollState
	breakers map[string]*circuitbreaker.Breaker

	stageQueue chan stageTask
	stageWg    sync.WaitGroup
	loopWg     sync.WaitGroup
	pollWg     sync.WaitGroup
	submitWg   sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	shutdown  chan struct{}
	started   bool
}

// New creates an orchestrator. Call Start to reconcile persisted jobs and
// begin polling.
func New(
	store jobstore.Store,
	destinations map[string]*destination.Destination,
	picker destination.Picker,
	jobRoot string,
	metrics *observability.Metrics,
) *Orchestrator {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        store,
		destinations: destinations,
		picker:       picker,
		jobRoot:      jobRoot,
		metrics:      metrics,
		logger:       slog.With("component", "orchestrator"),
		locks:        make(map[int64]*sync.Mutex),
		polls:        make(map[int64]*pollState),
		breakers:     make(map[string]*circuitbreaker.Breaker),
		stageQueue:   make(chan stageTask, stageQueueSize),
		runCtx:       runCtx,
		runCancel:    runCancel,
		shutdown:     make(chan struct{}),
	}
}

// Submit picks a destination, records the job and drives the submission
// pipeline in a short-lived task. It returns once the job row exists.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	destName, err := o.picker(req.StagingDir, req.Application, req.Principal)
	if err != nil {
		return 0, err
	}
	dest, ok := o.destinations[destName]
	if !ok {
		return 0, apperrors.Configuration(
			"orchestrator.submit",
			fmt.Sprintf("picker selected unknown destination %q", destName),
		)
	}

	jobID, err := o.store.CreateJob(ctx, req.Principal.UserID, req.Application, destName, req.Name)
	if err != nil {
		return 0, err
	}

	jobDir, err := intake.Promote(req.StagingDir, o.jobRoot, jobID, req.Token)
	if err != nil {
		o.fail(jobID, "job directory setup failed")
		return 0, err
	}

	o.metrics.RecordSubmission(ctx, req.Application, destName)
	o.logger.Info("Job submitted",
		"jobId", jobID,
		"application", req.Application,
		"destination", destName,
		"submitter", req.Principal.UserID,
	)

	o.submitWg.Add(1)
	go func() {
		defer o.submitWg.Done()
		o.runSubmission(jobID, dest, jobDir, req.Command)
	}()
	return jobID, nil
}

// runSubmission stages the job directory out and hands the job to the
// destination's scheduler.
func (o *Orchestrator) runSubmission(jobID int64, dest *destination.Destination, jobDir, cmd string) {
	ctx := o.runCtx
	logger := o.logger.With("jobId", jobID, "destination", dest.Name)

	if err := o.setState(jobID, job.StateStagingOut, jobstore.Update{}); err != nil {
		logger.Warn("Submission aborted before stage-out", "error", err)
		return
	}

	remoteDir := dest.FS.Localize(jobDir, o.jobRoot)
	err := o.withRetry(ctx, dest.Name, "upload", func(ctx context.Context) error {
		start := time.Now()
		uploadErr := dest.FS.Upload(ctx, jobDir, remoteDir)
		if uploadErr == nil {
			o.metrics.RecordStaging(ctx, dest.Name, "upload", time.Since(start).Seconds())
		}
		return uploadErr
	})
	if err != nil {
		logger.Error("Stage-out failed", "error", err)
		o.fail(jobID, job.ReasonStagingFailed)
		return
	}

	desc := scheduler.Description{
		JobDir:   remoteDir,
		LocalDir: jobDir,
		Command:  cmd,
	}
	internalID, err := dest.Scheduler.Submit(ctx, desc)
	if err != nil {
		logger.Error("Scheduler submit failed", "error", err)
		o.fail(jobID, "scheduler rejected job")
		return
	}

	if err := o.setState(jobID, job.StateQueued, jobstore.Update{InternalID: internalID}); err != nil {
		logger.Warn("Submission aborted after scheduler accepted", "internalId", internalID, "error", err)
		return
	}
	logger.Info("Job queued", "internalId", internalID)
	o.track(jobID)
}

// Cancel requests cancellation. Terminal jobs are a no-op success; the
// resulting terminal state of live jobs is observed through normal polling.
func (o *Orchestrator) Cancel(ctx context.Context, jobID int64) error {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}

	if j.InternalID == "" {
		// Not yet with a scheduler; fail it directly.
		o.failWithReason(jobID, job.ReasonCancelled)
		return nil
	}

	dest, ok := o.destinations[j.Destination]
	if !ok {
		return apperrors.Configuration(
			"orchestrator.cancel",
			fmt.Sprintf("job %d references unknown destination %q", jobID, j.Destination),
		)
	}
	go func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := dest.Scheduler.Cancel(cancelCtx, j.InternalID); err != nil {
			o.logger.Warn("Scheduler cancel failed", "jobId", jobID, "error", err)
		}
	}()
	o.logger.Info("Job cancellation requested", "jobId", jobID)
	return nil
}

// Job returns a job by id.
func (o *Orchestrator) Job(ctx context.Context, jobID int64) (*job.Job, error) {
	return o.store.Get(ctx, jobID)
}

// Jobs lists jobs by submitter; empty means all.
func (o *Orchestrator) Jobs(ctx context.Context, submitter string) ([]*job.Job, error) {
	return o.store.List(ctx, submitter)
}

// JobDir returns the local directory of a job.
func (o *Orchestrator) JobDir(jobID int64) string {
	return intake.JobDir(o.jobRoot, jobID)
}

// setState reads the latest state, validates the transition and writes it
// atomically, serialised through the per-job lock.
func (o *Orchestrator) setState(jobID int64, to job.State, upd jobstore.Update) error {
	lock := o.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.CanTransition(j.State, to) {
		return apperrors.Conflict("job", fmt.Sprintf("%d", jobID),
			fmt.Sprintf("illegal transition %s -> %s", j.State, to))
	}
	if err := o.store.SetState(ctx, jobID, to, upd); err != nil {
		return err
	}

	o.metrics.RecordTransition(ctx, j.Destination, string(j.State), string(to))
	if to.Terminal() {
		o.metrics.RecordTerminal(ctx, j.Application, j.Destination, string(to), time.Since(j.CreatedAt).Seconds())
		o.untrack(jobID)
	}
	return nil
}

// fail moves a job to error from any non-terminal state.
func (o *Orchestrator) fail(jobID int64, reason string) {
	o.failWithReason(jobID, reason)
}

func (o *Orchestrator) failWithReason(jobID int64, reason string) {
	if err := o.setState(jobID, job.StateError, jobstore.Update{Reason: reason}); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			o.logger.Error("Failed to record job failure", "jobId", jobID, "reason", reason, "error", err)
		}
		return
	}
	o.logger.Info("Job failed", "jobId", jobID, "reason", reason)
}

// withRetry retries transient I/O failures on the staging schedule.
// Permanent failures and cancellation return immediately.
func (o *Orchestrator) withRetry(ctx context.Context, destName, direction string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= stagingRetries; attempt++ {
		if attempt > 0 {
			o.metrics.RecordStagingRetry(ctx, destName, direction)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &stagingConfig)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, apperrors.ErrTransientIO) {
			return lastErr
		}
		o.logger.Warn("Transient staging failure",
			"destination", destName,
			"direction", direction,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	return lastErr
}

// jobLock returns the per-job mutex, creating it on first use.
func (o *Orchestrator) jobLock(jobID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[jobID] = lock
	}
	return lock
}

// track registers a job for reconcile polling.
func (o *Orchestrator) track(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.polls[jobID]; !ok {
		o.polls[jobID] = &pollState{poll: backoff.NewPoll(pollConfig)}
	}
}

// untrack removes reconcile bookkeeping once a job is terminal.
func (o *Orchestrator) untrack(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.polls, jobID)
	delete(o.locks, jobID)
}

// breaker returns the destination's circuit breaker, creating it lazily.
func (o *Orchestrator) breaker(destName string) *circuitbreaker.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.breakers[destName]
	if !ok {
		b = circuitbreaker.New(circuitbreaker.Config{Threshold: 5, Cooldown: 30 * time.Second})
		o.breakers[destName] = b
	}
	return b
}
