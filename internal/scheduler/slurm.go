package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/config"
	"jobbroker/internal/job"
)

// defaultSacctGrace is how long a job may be missing from accounting after
// submission before it is treated as lost. Slurm propagates new jobs to
// sacct with a delay; reporting error during that window would fail jobs
// that are merely young.
const defaultSacctGrace = 60 * time.Second

// SlurmScheduler drives a Slurm cluster through sbatch, squeue, sacct and
// scancel, either locally on a head node or over SSH. The internal id is the
// Slurm job id.
type SlurmScheduler struct {
	runner       CommandRunner
	partition    string
	time         string
	extraOptions []string
	grace        time.Duration

	mu      sync.Mutex
	missing map[string]time.Time // job id -> first time accounting had no record
}

// NewSlurmScheduler creates a scheduler from config. With an ssh_config the
// Slurm commands run on the remote host; otherwise on this host.
func NewSlurmScheduler(cfg config.SlurmSchedulerConfig) *SlurmScheduler {
	var runner CommandRunner = LocalRunner{}
	if cfg.SSH != nil {
		runner = NewSSHRunner(*cfg.SSH)
	}
	grace := cfg.GraceWindow.Std()
	if grace <= 0 {
		grace = defaultSacctGrace
	}
	return &SlurmScheduler{
		runner:       runner,
		partition:    cfg.Partition,
		time:         cfg.Time,
		extraOptions: cfg.ExtraOptions,
		grace:        grace,
		missing:      make(map[string]time.Time),
	}
}

// Submit pipes a batch script to sbatch and parses the job id from its
// "Submitted batch job N" output.
func (s *SlurmScheduler) Submit(ctx context.Context, desc Description) (string, error) {
	if id, ok := ReadSentinel(desc.SentinelDir()); ok {
		return id, nil
	}

	script := s.submitScript(desc)
	code, stdout, stderr, err := s.runner.Run(ctx, "sbatch", nil, script, desc.JobDir)
	if err != nil {
		return "", apperrors.SchedulerSubmit("slurm.sbatch", err)
	}
	if code != 0 {
		return "", apperrors.SchedulerSubmit(
			"slurm.sbatch",
			fmt.Errorf("exited with %d: %s", code, strings.TrimSpace(stderr)),
		)
	}

	// "Submitted batch job 42" -> "42"
	fields := strings.Fields(strings.TrimSpace(stdout))
	if len(fields) == 0 {
		return "", apperrors.SchedulerSubmit("slurm.sbatch", fmt.Errorf("no job id in output %q", stdout))
	}
	id := fields[len(fields)-1]

	if err := WriteSentinel(desc.SentinelDir(), id); err != nil {
		return "", apperrors.SchedulerSubmit("slurm.sbatch", err)
	}
	return id, nil
}

// State asks squeue first; completed jobs fall out of squeue and are
// resolved through accounting.
func (s *SlurmScheduler) State(ctx context.Context, internalID string) (job.State, error) {
	args := []string{"-j", internalID, "--noheader", "--format=%T"}
	code, stdout, _, err := s.runner.Run(ctx, "squeue", args, "", "")
	if err != nil {
		return "", apperrors.SchedulerState("slurm.squeue", err)
	}
	slurmState := strings.TrimSpace(stdout)
	if code == 0 && slurmState != "" {
		s.forget(internalID)
		return mapSlurmState(slurmState, ""), nil
	}
	return s.stateFromAccounting(ctx, internalID)
}

// Cancel invokes scancel; cancelling an already finished job is a no-op.
func (s *SlurmScheduler) Cancel(ctx context.Context, internalID string) error {
	_, _, _, err := s.runner.Run(ctx, "scancel", []string{internalID}, "", "")
	if err != nil {
		return apperrors.SchedulerState("slurm.scancel", err)
	}
	return nil
}

// Close releases the SSH connection, if any.
func (s *SlurmScheduler) Close() error {
	return s.runner.Close()
}

func (s *SlurmScheduler) stateFromAccounting(ctx context.Context, internalID string) (job.State, error) {
	args := []string{"-j", internalID, "--noheader", "--parsable2", "--format=State,ExitCode"}
	code, stdout, stderr, err := s.runner.Run(ctx, "sacct", args, "", "")
	if err != nil {
		return "", apperrors.SchedulerState("slurm.sacct", err)
	}
	if code != 0 {
		return "", apperrors.SchedulerState(
			"slurm.sacct",
			fmt.Errorf("exited with %d: %s", code, strings.TrimSpace(stderr)),
		)
	}

	line := firstLine(stdout)
	if line == "" {
		// Not yet visible in accounting: queued within the grace window,
		// lost beyond it.
		if s.withinGrace(internalID) {
			return job.StateQueued, nil
		}
		return "", apperrors.SchedulerState(
			"slurm.sacct",
			fmt.Errorf("job %s has no accounting record", internalID),
		)
	}
	s.forget(internalID)

	parts := strings.SplitN(line, "|", 2)
	slurmState := strings.TrimSpace(parts[0])
	exitCode := ""
	if len(parts) == 2 {
		exitCode = strings.TrimSpace(parts[1])
	}
	return mapSlurmState(slurmState, exitCode), nil
}

func (s *SlurmScheduler) withinGrace(internalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, ok := s.missing[internalID]
	if !ok {
		s.missing[internalID] = time.Now()
		return true
	}
	return time.Since(first) < s.grace
}

func (s *SlurmScheduler) forget(internalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missing, internalID)
}

// mapSlurmState folds Slurm job state codes onto the broker vocabulary.
// See https://slurm.schedmd.com/squeue.html#SECTION_JOB-STATE-CODES
func mapSlurmState(slurmState, exitCode string) job.State {
	// "CANCELLED by 1000" and friends carry a suffix.
	state := strings.Fields(slurmState)[0]
	state = strings.TrimSuffix(state, "+")

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED":
		return job.StateQueued
	case "RUNNING", "SUSPENDED", "COMPLETING", "STAGE_OUT":
		return job.StateRunning
	case "COMPLETED":
		if exitCode == "" || strings.HasPrefix(exitCode, "0:") || exitCode == "0" {
			return job.StateOK
		}
		return job.StateError
	default:
		// CANCELLED, FAILED, TIMEOUT, PREEMPTED, NODE_FAIL, OUT_OF_MEMORY,
		// and anything unmapped.
		return job.StateError
	}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (s *SlurmScheduler) submitScript(desc Description) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, extra := range s.extraOptions {
		fmt.Fprintf(&b, "#SBATCH %s\n", extra)
	}
	if s.partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", s.partition)
	}
	if s.time != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", s.time)
	}
	if desc.CPUTime > 0 {
		fmt.Fprintf(&b, "#SBATCH --time=%d\n", int(desc.CPUTime.Minutes())+1)
	}
	if desc.MemoryMB > 0 {
		fmt.Fprintf(&b, "#SBATCH --mem=%dM\n", desc.MemoryMB)
	}
	b.WriteString("#SBATCH --output=stdout.txt\n")
	b.WriteString("#SBATCH --error=stderr.txt\n")
	// Uploaded files live under input/; stdout, stderr and returncode stay
	// at the job directory root.
	fmt.Fprintf(&b, "(cd %s && %s)\n", InputDir, desc.Command)
	b.WriteString("echo -n $? > returncode\n")
	return b.String()
}

var _ Scheduler = (*SlurmScheduler)(nil)
