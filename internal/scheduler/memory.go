package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/job"
)

// queueCapacity bounds the backlog of a memory scheduler. Submissions beyond
// it fail fast instead of blocking the submit pipeline.
const queueCapacity = 1024

// memJob is the per-job record of the memory scheduler.
type memJob struct {
	id     string
	desc   Description
	state  job.State
	cancel context.CancelFunc
}

// MemoryScheduler runs jobs inside the service process with a bounded pool
// of worker goroutines. Jobs survive only the current process lifetime; on
// restart the orchestrator marks its non-terminal jobs lost_to_restart.
type MemoryScheduler struct {
	queue    chan *memJob
	logger   *slog.Logger
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*memJob
}

// NewMemoryScheduler starts slots worker goroutines consuming a local FIFO.
func NewMemoryScheduler(slots int) *MemoryScheduler {
	if slots < 1 {
		slots = 1
	}
	s := &MemoryScheduler{
		queue:    make(chan *memJob, queueCapacity),
		logger:   slog.With("component", "scheduler", "type", "memory"),
		shutdown: make(chan struct{}),
		jobs:     make(map[string]*memJob),
	}
	s.wg.Add(slots)
	for i := 0; i < slots; i++ {
		go s.worker()
	}
	return s
}

// Submit queues the job and returns its internal id.
func (s *MemoryScheduler) Submit(ctx context.Context, desc Description) (string, error) {
	if id, ok := ReadSentinel(desc.SentinelDir()); ok {
		return id, nil
	}

	j := &memJob{
		id:    uuid.NewString(),
		desc:  desc,
		state: job.StateQueued,
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	if err := WriteSentinel(desc.SentinelDir(), j.id); err != nil {
		return "", apperrors.SchedulerSubmit("memory.submit", err)
	}

	select {
	case s.queue <- j:
		return j.id, nil
	default:
		s.mu.Lock()
		delete(s.jobs, j.id)
		s.mu.Unlock()
		return "", apperrors.SchedulerSubmit("memory.submit", fmt.Errorf("queue full (%d jobs)", queueCapacity))
	}
}

// State reports the job's current state.
func (s *MemoryScheduler) State(ctx context.Context, internalID string) (job.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[internalID]
	if !ok {
		return "", apperrors.SchedulerState("memory.state", fmt.Errorf("unknown job %s", internalID))
	}
	return j.state, nil
}

// Cancel stops a queued or running job. Terminal jobs are left alone.
func (s *MemoryScheduler) Cancel(ctx context.Context, internalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[internalID]
	if !ok {
		return nil
	}
	switch j.state {
	case job.StateQueued:
		// The worker skips jobs already marked terminal.
		j.state = job.StateError
	case job.StateRunning:
		if j.cancel != nil {
			j.cancel()
		}
	}
	return nil
}

// Close stops the workers and kills running jobs.
func (s *MemoryScheduler) Close() error {
	close(s.shutdown)
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *MemoryScheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case j := <-s.queue:
			s.execute(j)
		}
	}
}

func (s *MemoryScheduler) execute(j *memJob) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if j.state != job.StateQueued {
		// Cancelled while waiting in the queue.
		s.mu.Unlock()
		return
	}
	j.state = job.StateRunning
	j.cancel = cancel
	s.mu.Unlock()

	code, err := runShell(ctx, j.desc.JobDir, j.desc.Command)

	final := job.StateOK
	if err != nil || code != 0 {
		final = job.StateError
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Job execution failed", "internalId", j.id, "error", err)
	}

	s.mu.Lock()
	j.state = final
	j.cancel = nil
	s.mu.Unlock()
}

var _ Scheduler = (*MemoryScheduler)(nil)
