// Package scheduler defines the scheduler contract and its implementations:
// in-process (memory), Slurm over SSH, a Redis-backed queue consumed by
// external workers, a grid WMS driven through the DIRAC command line tools,
// and local Docker containers.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobbroker/internal/job"
)

// Description is everything a scheduler needs to run one job.
type Description struct {
	// JobDir is the absolute path of the job directory. For remote
	// schedulers this is the directory on the execution site.
	JobDir string
	// LocalDir is the job directory on the service host, where the
	// idempotency sentinel lives. Empty means JobDir is local.
	LocalDir string
	// Command is the final rendered shell command line.
	Command string
	// Resource hints; zero values mean scheduler defaults.
	CPUTime  time.Duration
	MemoryMB int
}

// SentinelDir is the directory the submit sentinel is written to.
func (d Description) SentinelDir() string {
	if d.LocalDir != "" {
		return d.LocalDir
	}
	return d.JobDir
}

// Scheduler submits jobs and reports their state. State returns only the
// subset {queued, running, ok, error} of job states.
//
// Submit is idempotent with respect to crashes: an internal id is written to
// a sentinel file inside the job directory before Submit returns, and a
// retry with an identical description returns the recorded id instead of
// causing a second execution.
type Scheduler interface {
	Submit(ctx context.Context, desc Description) (string, error)
	State(ctx context.Context, internalID string) (job.State, error)
	// Cancel is best-effort and idempotent; the resulting terminal state is
	// observed through normal polling.
	Cancel(ctx context.Context, internalID string) error
	// Close releases pooled resources. Running jobs are not stopped unless
	// the scheduler only lives inside this process.
	Close() error
}

// SentinelFile records the scheduler handle inside the job directory.
const SentinelFile = ".scheduler_handle"

// InputDir is the subdirectory of a job directory holding the uploaded
// archive contents. Rendered commands execute there, so templates refer to
// uploaded files by bare name; stdout.txt, stderr.txt and returncode are
// still written at the job directory root.
const InputDir = "input"

// workDir returns where a rendered command runs: the input subdirectory
// when it exists, the job directory itself otherwise.
func workDir(jobDir string) string {
	input := filepath.Join(jobDir, InputDir)
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		return input
	}
	return jobDir
}

// ReadSentinel returns the internal id recorded in the job directory, if any.
func ReadSentinel(jobDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(jobDir, SentinelFile))
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	return id, id != ""
}

// WriteSentinel records the internal id in the job directory. Must be called
// before Submit returns the id to the caller.
func WriteSentinel(jobDir, internalID string) error {
	return os.WriteFile(filepath.Join(jobDir, SentinelFile), []byte(internalID+"\n"), 0o644)
}
