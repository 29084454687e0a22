package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/config"
	"jobbroker/internal/job"
)

// fakeRunner scripts CommandRunner responses per command name.
type fakeRunner struct {
	responses map[string]fakeResponse
	calls     []fakeCall
}

type fakeResponse struct {
	code   int
	stdout string
	stderr string
	err    error
}

type fakeCall struct {
	cmd   string
	args  []string
	stdin string
	cwd   string
}

func (f *fakeRunner) Run(ctx context.Context, cmd string, args []string, stdin, cwd string) (int, string, string, error) {
	f.calls = append(f.calls, fakeCall{cmd, args, stdin, cwd})
	resp, ok := f.responses[cmd]
	if !ok {
		return 127, "", cmd + ": command not found", nil
	}
	return resp.code, resp.stdout, resp.stderr, resp.err
}

func (f *fakeRunner) Close() error { return nil }

func newTestSlurm(runner CommandRunner) *SlurmScheduler {
	s := NewSlurmScheduler(config.SlurmSchedulerConfig{
		Partition: "fast",
		Time:      "60",
	})
	s.runner = runner
	return s
}

func TestSlurmSubmitParsesJobID(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"sbatch": {stdout: "Submitted batch job 42\n"},
	}}
	s := newTestSlurm(runner)
	defer s.Close()

	dir := t.TempDir()
	id, err := s.Submit(context.Background(), Description{JobDir: dir, Command: "wc README.md"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Errorf("id = %q", id)
	}

	call := runner.calls[0]
	if call.cmd != "sbatch" || call.cwd != dir {
		t.Errorf("call = %+v", call)
	}
	for _, want := range []string{
		"#!/bin/bash",
		"#SBATCH --partition=fast",
		"#SBATCH --time=60",
		"#SBATCH --output=stdout.txt",
		"#SBATCH --error=stderr.txt",
		"(cd input && wc README.md)",
		"echo -n $? > returncode",
	} {
		if !strings.Contains(call.stdin, want) {
			t.Errorf("script missing %q:\n%s", want, call.stdin)
		}
	}

	sentinel, ok := ReadSentinel(dir)
	if !ok || sentinel != "42" {
		t.Errorf("sentinel = %q", sentinel)
	}
}

func TestSlurmSubmitReusesSentinel(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"sbatch": {stdout: "Submitted batch job 42\n"},
	}}
	s := newTestSlurm(runner)
	defer s.Close()

	dir := t.TempDir()
	desc := Description{JobDir: dir, Command: "wc README.md"}
	if _, err := s.Submit(context.Background(), desc); err != nil {
		t.Fatal(err)
	}
	id, err := s.Submit(context.Background(), desc)
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Errorf("id = %q", id)
	}
	if len(runner.calls) != 1 {
		t.Errorf("sbatch called %d times, want 1", len(runner.calls))
	}
}

func TestSlurmSubmitFailure(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"sbatch": {code: 1, stderr: "sbatch: error: invalid partition"},
	}}
	s := newTestSlurm(runner)
	defer s.Close()

	_, err := s.Submit(context.Background(), Description{JobDir: t.TempDir(), Command: "true"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, apperrors.ErrSchedulerSubmit) {
		t.Errorf("error = %v", err)
	}
}

func TestSlurmStateFromSqueue(t *testing.T) {
	tests := []struct {
		slurm string
		want  job.State
	}{
		{"PENDING", job.StateQueued},
		{"CONFIGURING", job.StateQueued},
		{"RUNNING", job.StateRunning},
		{"COMPLETING", job.StateRunning},
	}
	for _, tt := range tests {
		t.Run(tt.slurm, func(t *testing.T) {
			runner := &fakeRunner{responses: map[string]fakeResponse{
				"squeue": {stdout: tt.slurm + "\n"},
			}}
			s := newTestSlurm(runner)
			defer s.Close()

			st, err := s.State(context.Background(), "42")
			if err != nil {
				t.Fatal(err)
			}
			if st != tt.want {
				t.Errorf("state = %s, want %s", st, tt.want)
			}
		})
	}
}

func TestSlurmStateFromAccounting(t *testing.T) {
	tests := []struct {
		name  string
		sacct string
		want  job.State
	}{
		{"completed ok", "COMPLETED|0:0", job.StateOK},
		{"completed nonzero exit", "COMPLETED|1:0", job.StateError},
		{"failed", "FAILED|2:0", job.StateError},
		{"cancelled with suffix", "CANCELLED by 1000|0:15", job.StateError},
		{"timeout", "TIMEOUT|0:1", job.StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{responses: map[string]fakeResponse{
				"squeue": {code: 1},
				"sacct":  {stdout: tt.sacct + "\n"},
			}}
			s := newTestSlurm(runner)
			defer s.Close()

			st, err := s.State(context.Background(), "42")
			if err != nil {
				t.Fatal(err)
			}
			if st != tt.want {
				t.Errorf("state = %s, want %s", st, tt.want)
			}
		})
	}
}

func TestSlurmMissingAccountingGraceWindow(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"squeue": {code: 1},
		"sacct":  {stdout: "\n"},
	}}
	s := NewSlurmScheduler(config.SlurmSchedulerConfig{
		GraceWindow: config.Duration(50 * time.Millisecond),
	})
	s.runner = runner
	defer s.Close()

	// Within the grace window a missing record means propagation delay.
	st, err := s.State(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if st != job.StateQueued {
		t.Errorf("state = %s, want queued", st)
	}

	time.Sleep(80 * time.Millisecond)
	_, err = s.State(context.Background(), "42")
	if err == nil {
		t.Fatal("expected error past the grace window")
	}
	if !errors.Is(err, apperrors.ErrSchedulerState) {
		t.Errorf("error = %v", err)
	}
}

func TestSlurmCancel(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"scancel": {},
	}}
	s := newTestSlurm(runner)
	defer s.Close()

	if err := s.Cancel(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}
	call := runner.calls[0]
	if call.cmd != "scancel" || len(call.args) != 1 || call.args[0] != "42" {
		t.Errorf("call = %+v", call)
	}
}
