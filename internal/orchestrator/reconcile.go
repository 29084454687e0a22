package orchestrator

import (
	"context"
	"time"

	"jobbroker/internal/destination"
	"jobbroker/internal/job"
	"jobbroker/internal/jobstore"
	"jobbroker/internal/scheduler"
)

// Start reconciles persisted jobs once and launches the reconcile loop and
// the stage-in workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started {
		return nil
	}
	o.started = true

	o.stageWg.Add(stageWorkers)
	for i := 0; i < stageWorkers; i++ {
		go o.stageWorker()
	}

	if err := o.startupReconcile(ctx); err != nil {
		return err
	}

	o.loopWg.Add(1)
	go o.reconcileLoop()
	return nil
}

// startupReconcile re-acquires scheduler handles for every persisted
// non-terminal job. Jobs on ephemeral destinations cannot survive a restart
// and are failed with lost_to_restart, as are jobs interrupted before their
// scheduler handle was recorded anywhere.
func (o *Orchestrator) startupReconcile(ctx context.Context) error {
	open, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, j := range open {
		logger := o.logger.With("jobId", j.ID, "state", j.State, "destination", j.Destination)

		dest, ok := o.destinations[j.Destination]
		if !ok {
			logger.Warn("Job references a destination no longer configured")
			o.fail(j.ID, "destination removed from configuration")
			continue
		}
		if dest.Ephemeral() {
			o.fail(j.ID, job.ReasonLostToRestart)
			continue
		}

		internalID := j.InternalID
		if internalID == "" {
			// The process may have died between Scheduler.Submit and the
			// store commit; the sentinel in the job dir is authoritative.
			if sentinel, ok := scheduler.ReadSentinel(o.JobDir(j.ID)); ok {
				internalID = sentinel
				if err := o.setState(j.ID, job.StateQueued, jobstore.Update{InternalID: sentinel}); err != nil {
					logger.Warn("Failed to restore scheduler handle", "error", err)
				}
			}
		}
		if internalID == "" {
			o.fail(j.ID, job.ReasonLostToRestart)
			continue
		}

		logger.Info("Resuming job", "internalId", internalID)
		o.track(j.ID)
	}
	return nil
}

// reconcileLoop drives the per-job polls: one process-wide loop, per-job
// backoff, at most pollConcurrency scheduler queries in flight.
func (o *Orchestrator) reconcileLoop() {
	defer o.loopWg.Done()

	sem := make(chan struct{}, pollConcurrency)
	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()

	for {
		select {
		case <-o.shutdown:
			return
		case <-ticker.C:
			for _, jobID := range o.dueJobs() {
				select {
				case sem <- struct{}{}:
				case <-o.shutdown:
					return
				}
				o.pollWg.Add(1)
				go func(id int64) {
					defer o.pollWg.Done()
					defer func() { <-sem }()
					o.poll(id)
				}(jobID)
			}
		}
	}
}

// dueJobs snapshots the jobs whose poll interval has elapsed and marks them
// in flight.
func (o *Orchestrator) dueJobs() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	var due []int64
	for jobID, ps := range o.polls {
		if !ps.inFlight && ps.poll.Due(now) {
			ps.inFlight = true
			due = append(due, jobID)
		}
	}
	return due
}

// poll queries the scheduler for one job and applies the observed state.
func (o *Orchestrator) poll(jobID int64) {
	defer o.pollDone(jobID)

	ctx, cancel := context.WithTimeout(o.runCtx, 30*time.Second)
	defer cancel()

	j, err := o.store.Get(ctx, jobID)
	if err != nil || j.State.Terminal() {
		o.untrack(jobID)
		return
	}
	dest, ok := o.destinations[j.Destination]
	if !ok {
		o.fail(jobID, "destination removed from configuration")
		return
	}

	breaker := o.breaker(dest.Name)
	if !breaker.Allow() {
		o.idle(jobID)
		return
	}

	observed, err := dest.Scheduler.State(ctx, j.InternalID)
	o.metrics.RecordPoll(ctx, dest.Name, err != nil)
	if err != nil {
		breaker.RecordFailure()
		if o.recordStateError(jobID) > maxStateErrors {
			o.fail(jobID, job.ReasonSchedulerUnreachable)
			return
		}
		o.logger.Warn("Scheduler state query failed", "jobId", jobID, "error", err)
		o.idle(jobID)
		return
	}
	breaker.RecordSuccess()
	o.clearStateErrors(jobID)

	switch observed {
	case job.StateQueued:
		o.idle(jobID)

	case job.StateRunning:
		if j.State == job.StateQueued {
			if err := o.setState(jobID, job.StateRunning, jobstore.Update{}); err == nil {
				o.reset(jobID)
				return
			}
		}
		o.idle(jobID)

	case job.StateOK, job.StateError:
		o.beginStageIn(jobID, dest, j, observed)

	default:
		o.logger.Error("Scheduler reported unknown state", "jobId", jobID, "state", observed)
		o.idle(jobID)
	}
}

// beginStageIn transitions to staging_in and hands the job to the stage-in
// pool, at most once per job.
func (o *Orchestrator) beginStageIn(jobID int64, dest *destination.Destination, j *job.Job, observed job.State) {
	if j.State != job.StateStagingIn {
		if err := o.setState(jobID, job.StateStagingIn, jobstore.Update{}); err != nil {
			o.idle(jobID)
			return
		}
	}

	o.mu.Lock()
	ps, tracked := o.polls[jobID]
	if tracked && ps.stagedIn {
		ps.poll.Idle(time.Now())
		o.mu.Unlock()
		return
	}
	if tracked {
		ps.stagedIn = true
	}
	o.mu.Unlock()

	select {
	case o.stageQueue <- stageTask{jobID: jobID, dest: dest, observed: observed}:
		o.metrics.RecordStagingQueueSize(context.Background(), int64(len(o.stageQueue)))
	default:
		// Queue full; retry on a later poll.
		o.mu.Lock()
		if ps, ok := o.polls[jobID]; ok {
			ps.stagedIn = false
		}
		o.mu.Unlock()
		o.idle(jobID)
	}
}

func (o *Orchestrator) pollDone(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ps, ok := o.polls[jobID]; ok {
		ps.inFlight = false
	}
}

func (o *Orchestrator) idle(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ps, ok := o.polls[jobID]; ok {
		ps.poll.Idle(time.Now())
	}
}

func (o *Orchestrator) reset(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ps, ok := o.polls[jobID]; ok {
		ps.poll.Reset(time.Now())
	}
}

func (o *Orchestrator) recordStateError(jobID int64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps, ok := o.polls[jobID]
	if !ok {
		return 0
	}
	ps.stateErrs++
	return ps.stateErrs
}

func (o *Orchestrator) clearStateErrors(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ps, ok := o.polls[jobID]; ok {
		ps.stateErrs = 0
	}
}

// Shutdown stops the reconcile loop, waits for in-flight submissions and
// stage-ins up to the context deadline, then aborts them. Jobs left in a
// non-terminal state are re-reconciled on the next startup.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.shutdown)
	o.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		o.pollWg.Wait()
		o.submitWg.Wait()
		close(o.stageQueue)
		o.stageWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Orchestrator shutdown complete")
		return nil
	case <-ctx.Done():
		o.runCancel()
		<-done
		o.logger.Warn("Orchestrator shutdown aborted in-flight staging")
		return ctx.Err()
	}
}
