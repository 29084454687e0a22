package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"jobbroker/internal/config"
	"jobbroker/internal/job"
)

// QueueWorker consumes a Redis job queue and executes jobs on the local
// filesystem. It runs in a separate process (cmd/queue-worker) but shares
// the queue vocabulary with QueueScheduler.
type QueueWorker struct {
	pool    *redis.Pool
	queue   string
	maxJobs int
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewQueueWorker creates a worker for the queue described by config.
func NewQueueWorker(cfg config.QueueSchedulerConfig) *QueueWorker {
	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = defaultMaxJobs
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultQueueName
	}
	return &QueueWorker{
		pool:    newRedisPool(cfg.RedisDSN),
		queue:   queue,
		maxJobs: maxJobs,
		logger:  slog.With("component", "queue-worker", "queue", queue),
	}
}

// Run pops and executes jobs until the context is cancelled, with at most
// maxJobs running concurrently. It returns after in-flight jobs finish.
func (w *QueueWorker) Run(ctx context.Context) error {
	w.logger.Info("Queue worker started", "maxJobs", w.maxJobs)
	sem := make(chan struct{}, w.maxJobs)

	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		payload, err := w.pop(ctx)
		if err != nil || payload == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("Queue pop failed", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		w.wg.Add(1)
		go func(qj *queuedJob) {
			defer w.wg.Done()
			defer func() { <-sem }()
			w.execute(ctx, qj)
		}(payload)
	}

	w.wg.Wait()
	w.logger.Info("Queue worker stopped")
	return w.pool.Close()
}

// pop blocks up to a few seconds for the next job so cancellation is
// observed promptly.
func (w *QueueWorker) pop(ctx context.Context) (*queuedJob, error) {
	conn, err := w.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redis.Strings(conn.Do("BRPOP", w.queue, 5))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, nil
	}

	var qj queuedJob
	if err := json.Unmarshal([]byte(values[1]), &qj); err != nil {
		w.logger.Error("Dropping malformed queue payload", "error", err)
		return nil, nil
	}
	return &qj, nil
}

func (w *QueueWorker) execute(ctx context.Context, qj *queuedJob) {
	logger := w.logger.With("internalId", qj.ID, "jobDir", qj.JobDir)

	if w.cancelled(qj.ID) {
		w.setState(qj.ID, job.StateError, nil)
		logger.Info("Skipping cancelled job")
		return
	}

	w.setState(qj.ID, job.StateRunning, nil)
	logger.Info("Job started")

	timeout := time.Duration(qj.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Watch the cancel flag while the job runs.
	go w.watchCancel(runCtx, qj.ID, cancel)

	code, err := runShell(runCtx, qj.JobDir, qj.Command)
	final := job.StateOK
	if err != nil || code != 0 {
		final = job.StateError
	}
	w.setState(qj.ID, final, &code)
	logger.Info("Job finished", "state", final, "returncode", code)
}

func (w *QueueWorker) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.cancelled(id) {
				cancel()
				return
			}
		}
	}
}

func (w *QueueWorker) cancelled(id string) bool {
	conn := w.pool.Get()
	defer conn.Close()
	flag, err := redis.String(conn.Do("HGET", w.queue+":job:"+id, fieldCancel))
	return err == nil && flag == "1"
}

func (w *QueueWorker) setState(id string, state job.State, returnCode *int) {
	conn := w.pool.Get()
	defer conn.Close()
	args := []any{w.queue + ":job:" + id, fieldState, string(state)}
	if returnCode != nil {
		args = append(args, fieldReturnCode, *returnCode)
	}
	if _, err := conn.Do("HSET", args...); err != nil {
		w.logger.Error("Failed to update job record", "internalId", id, "error", err)
	}
}
