package orchestrator

import (
	"context"
	"time"

	"jobbroker/internal/destination"
	"jobbroker/internal/job"
	"jobbroker/internal/jobstore"
	"jobbroker/internal/scheduler"
)

// stageTask brings one finished job's results back: download, exit code
// recovery, terminal transition, remote teardown.
type stageTask struct {
	jobID    int64
	dest     *destination.Destination
	observed job.State
}

// stageWorker consumes stage-in tasks until the queue closes at shutdown.
func (o *Orchestrator) stageWorker() {
	defer o.stageWg.Done()
	for task := range o.stageQueue {
		o.stageIn(task)
	}
}

// stageIn downloads the results and finalises the job in the state the
// scheduler reported. Exhausting the retries fails the job instead.
func (o *Orchestrator) stageIn(task stageTask) {
	ctx := o.runCtx
	logger := o.logger.With("jobId", task.jobID, "destination", task.dest.Name)

	jobDir := o.JobDir(task.jobID)
	remoteDir := task.dest.FS.Localize(jobDir, o.jobRoot)

	err := o.withRetry(ctx, task.dest.Name, "download", func(ctx context.Context) error {
		start := time.Now()
		downloadErr := task.dest.FS.Download(ctx, remoteDir, jobDir)
		if downloadErr == nil {
			o.metrics.RecordStaging(ctx, task.dest.Name, "download", time.Since(start).Seconds())
		}
		return downloadErr
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown aborted the transfer; the job stays in staging_in and
			// the next startup re-reconciles it.
			logger.Info("Stage-in interrupted by shutdown")
			return
		}
		logger.Error("Stage-in failed", "error", err)
		o.fail(task.jobID, job.ReasonStagingFailed)
		return
	}

	task.dest.FS.Teardown(ctx, remoteDir)

	upd := jobstore.Update{}
	if code, ok := scheduler.ReadReturnCode(jobDir); ok {
		upd.ExitCode = &code
	}
	if task.observed == job.StateError {
		upd.Reason = "scheduler reported failure"
		if upd.ExitCode != nil && *upd.ExitCode == 130 {
			upd.Reason = job.ReasonCancelled
		}
	}

	if err := o.setState(task.jobID, task.observed, upd); err != nil {
		logger.Error("Failed to finalise job", "state", task.observed, "error", err)
		return
	}
	logger.Info("Job finished", "state", task.observed)
}
