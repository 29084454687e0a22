// Package jobstore defines the persistence contract for jobs.
//
// Persistent storage is a collaborator of the core: any implementation that
// provides atomic state updates and a transactional id counter can back it.
// The in-memory implementation in this package is the reference used by
// tests and single-process deployments.
package jobstore

import (
	"context"

	"jobbroker/internal/job"
)

// Update carries the optional fields of a state transition.
type Update struct {
	InternalID string // set exactly once, when entering queued
	ExitCode   *int
	Reason     string
}

// Store persists jobs. Implementations must make SetState atomic: the state,
// internal id, exit code and reason of one call are visible together or not
// at all. Job ids are monotonic and never reused.
type Store interface {
	// CreateJob records a new job in state new and returns its id.
	CreateJob(ctx context.Context, submitter, application, destination, name string) (int64, error)

	// SetState transitions a job. Transitions that do not follow the state
	// graph are rejected with a conflict error.
	SetState(ctx context.Context, jobID int64, state job.State, upd Update) error

	// Get returns a job by id.
	Get(ctx context.Context, jobID int64) (*job.Job, error)

	// ListNonTerminal returns every job not in a terminal state, used by the
	// orchestrator at startup.
	ListNonTerminal(ctx context.Context) ([]*job.Job, error)

	// List returns jobs by submitter; an empty submitter returns all jobs.
	List(ctx context.Context, submitter string) ([]*job.Job, error)

	Close() error
}
