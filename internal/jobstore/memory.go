package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/job"
)

// MemoryStore is an in-memory Store. State lives only for the process
// lifetime; jobs scheduled on restart-surviving destinations need a durable
// implementation behind the same interface.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]*job.Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		jobs:   make(map[int64]*job.Job),
	}
}

// CreateJob records a new job in state new and returns its id.
func (s *MemoryStore) CreateJob(ctx context.Context, submitter, application, destination, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	now := time.Now()
	s.jobs[id] = &job.Job{
		ID:          id,
		Name:        name,
		Application: application,
		Submitter:   submitter,
		Destination: destination,
		State:       job.StateNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

// SetState transitions a job, applying the whole update atomically.
func (s *MemoryStore) SetState(ctx context.Context, jobID int64, state job.State, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return apperrors.NotFound("job", fmt.Sprintf("%d", jobID))
	}
	if !job.CanTransition(j.State, state) {
		return apperrors.Conflict(
			"job",
			fmt.Sprintf("%d", jobID),
			fmt.Sprintf("illegal transition %s -> %s", j.State, state),
		)
	}
	if upd.InternalID != "" {
		if j.InternalID != "" && j.InternalID != upd.InternalID {
			return apperrors.Conflict(
				"job",
				fmt.Sprintf("%d", jobID),
				"internal id is already set",
			)
		}
		j.InternalID = upd.InternalID
	}
	if upd.ExitCode != nil {
		code := *upd.ExitCode
		j.ExitCode = &code
	}
	if upd.Reason != "" {
		j.Reason = upd.Reason
	}
	j.State = state
	j.UpdatedAt = time.Now()
	return nil
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(ctx context.Context, jobID int64) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NotFound("job", fmt.Sprintf("%d", jobID))
	}
	copied := *j
	return &copied, nil
}

// ListNonTerminal returns every job not in a terminal state.
func (s *MemoryStore) ListNonTerminal(ctx context.Context) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if !j.State.Terminal() {
			copied := *j
			out = append(out, &copied)
		}
	}
	sortByID(out)
	return out, nil
}

// List returns jobs by submitter; an empty submitter returns all jobs.
func (s *MemoryStore) List(ctx context.Context, submitter string) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if submitter != "" && j.Submitter != submitter {
			continue
		}
		copied := *j
		out = append(out, &copied)
	}
	sortByID(out)
	return out, nil
}

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func sortByID(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
}

var _ Store = (*MemoryStore)(nil)
