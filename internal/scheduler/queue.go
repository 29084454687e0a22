package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/config"
	"jobbroker/internal/job"
)

// Queue defaults.
const (
	defaultQueueName  = "jobs"
	defaultMaxJobs    = 10
	defaultJobTimeout = time.Hour
)

// queuedJob is the wire format pushed onto the pending list and consumed by
// queue workers.
type queuedJob struct {
	ID             string `json:"id"`
	JobDir         string `json:"job_dir"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Job record hash fields shared between scheduler and workers.
const (
	fieldState      = "state"
	fieldReturnCode = "returncode"
	fieldCancel     = "cancel"
)

// QueueScheduler pushes job descriptions onto a named Redis queue. External
// queue-worker processes pop and execute them; the scheduler side only
// submits and observes, reading state from the broker's job record.
type QueueScheduler struct {
	pool       *redis.Pool
	queue      string
	jobTimeout time.Duration
}

// NewQueueScheduler connects a scheduler to the broker described by config.
func NewQueueScheduler(cfg config.QueueSchedulerConfig) *QueueScheduler {
	timeout := cfg.JobTimeout.Std()
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultQueueName
	}
	return &QueueScheduler{
		pool:       newRedisPool(cfg.RedisDSN),
		queue:      queue,
		jobTimeout: timeout,
	}
}

// newRedisPool creates a standalone connection pool for the broker.
func newRedisPool(dsn string) *redis.Pool {
	if dsn == "" {
		dsn = "redis://localhost:6379"
	}
	return &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(dsn)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func (s *QueueScheduler) jobKey(id string) string {
	return s.queue + ":job:" + id
}

// Submit records the job in the broker and pushes it onto the pending list.
func (s *QueueScheduler) Submit(ctx context.Context, desc Description) (string, error) {
	if id, ok := ReadSentinel(desc.SentinelDir()); ok {
		return id, nil
	}

	id := uuid.NewString()
	payload, err := json.Marshal(queuedJob{
		ID:             id,
		JobDir:         desc.JobDir,
		Command:        desc.Command,
		TimeoutSeconds: int(s.jobTimeout.Seconds()),
	})
	if err != nil {
		return "", apperrors.SchedulerSubmit("queue.submit", err)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return "", apperrors.SchedulerSubmit("queue.submit", err)
	}
	defer conn.Close()

	// Record first, push second: a worker that pops the payload always finds
	// the job record.
	if _, err := conn.Do("HSET", s.jobKey(id), fieldState, string(job.StateQueued)); err != nil {
		return "", apperrors.SchedulerSubmit("queue.submit", err)
	}
	if _, err := conn.Do("LPUSH", s.queue, payload); err != nil {
		return "", apperrors.SchedulerSubmit("queue.submit", err)
	}

	if err := WriteSentinel(desc.SentinelDir(), id); err != nil {
		return "", apperrors.SchedulerSubmit("queue.submit", err)
	}
	return id, nil
}

// State reads the job record written by the workers.
func (s *QueueScheduler) State(ctx context.Context, internalID string) (job.State, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return "", apperrors.SchedulerState("queue.state", err)
	}
	defer conn.Close()

	state, err := redis.String(conn.Do("HGET", s.jobKey(internalID), fieldState))
	if err == redis.ErrNil {
		return "", apperrors.SchedulerState("queue.state", fmt.Errorf("unknown job %s", internalID))
	}
	if err != nil {
		return "", apperrors.SchedulerState("queue.state", err)
	}

	switch st := job.State(state); st {
	case job.StateQueued, job.StateRunning, job.StateOK, job.StateError:
		return st, nil
	default:
		return "", apperrors.SchedulerState("queue.state", fmt.Errorf("broker reported state %q", state))
	}
}

// Cancel flags the job for the workers. A job still in the queue is marked
// failed right away; a running one is interrupted by its worker.
func (s *QueueScheduler) Cancel(ctx context.Context, internalID string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return apperrors.SchedulerState("queue.cancel", err)
	}
	defer conn.Close()

	if _, err := conn.Do("HSET", s.jobKey(internalID), fieldCancel, "1"); err != nil {
		return apperrors.SchedulerState("queue.cancel", err)
	}
	// Flip queued jobs to error immediately; workers skip flagged payloads.
	state, err := redis.String(conn.Do("HGET", s.jobKey(internalID), fieldState))
	if err == nil && job.State(state) == job.StateQueued {
		_, _ = conn.Do("HSET", s.jobKey(internalID), fieldState, string(job.StateError))
	}
	return nil
}

// Close releases the connection pool.
func (s *QueueScheduler) Close() error {
	return s.pool.Close()
}

var _ Scheduler = (*QueueScheduler)(nil)
