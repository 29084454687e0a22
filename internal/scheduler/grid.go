package scheduler

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/command"
	"jobbroker/internal/config"
	"jobbroker/internal/job"
)

// GridScheduler submits jobs to a grid WMS through the DIRAC command line
// tools, locally or on a remote submit host. The rendered command is wrapped
// in a script shipped in the input sandbox; the output sandbox carries only
// scheduler-internal files (stdout.txt, stderr.txt, returncode). User files
// move through the paired grid filesystem as archives on the storage
// element, which also sidesteps the sandbox flattening nested output paths.
type GridScheduler struct {
	runner         CommandRunner
	storageElement string
	proxy          string
	apptainer      string
	lfnRoot        string
}

// NewGridScheduler creates a scheduler from its config and the paired grid
// filesystem config, whose lfn_root the wrapper script stages through.
func NewGridScheduler(cfg config.GridSchedulerConfig, fs config.GridFilesystemConfig) *GridScheduler {
	var runner CommandRunner = LocalRunner{}
	if cfg.SSH != nil {
		runner = NewSSHRunner(*cfg.SSH)
	}
	se := cfg.StorageElement
	if se == "" {
		se = fs.StorageElement
	}
	return &GridScheduler{
		runner:         runner,
		storageElement: se,
		proxy:          cfg.Proxy,
		apptainer:      cfg.ApptainerImage,
		lfnRoot:        fs.LFNRoot,
	}
}

var jobIDPattern = regexp.MustCompile(`JobID\s*=\s*(\d+)`)

// Submit writes the wrapper script and JDL into the local job directory and
// submits the JDL. The internal id is the WMS job id.
func (s *GridScheduler) Submit(ctx context.Context, desc Description) (string, error) {
	if id, ok := ReadSentinel(desc.SentinelDir()); ok {
		return id, nil
	}

	if err := s.writeJobScript(desc); err != nil {
		return "", apperrors.SchedulerSubmit("grid.submit", err)
	}
	jdlPath, err := s.writeJDL(desc)
	if err != nil {
		return "", apperrors.SchedulerSubmit("grid.submit", err)
	}

	code, stdout, stderr, err := s.run(ctx, "dirac-wms-job-submit", jdlPath)
	if err != nil {
		return "", apperrors.SchedulerSubmit("grid.submit", err)
	}
	if code != 0 {
		return "", apperrors.SchedulerSubmit(
			"grid.submit",
			fmt.Errorf("dirac-wms-job-submit exited with %d: %s", code, strings.TrimSpace(stderr)),
		)
	}

	match := jobIDPattern.FindStringSubmatch(stdout)
	if match == nil {
		return "", apperrors.SchedulerSubmit("grid.submit", fmt.Errorf("no job id in output %q", stdout))
	}
	id := match[1]

	if err := WriteSentinel(desc.SentinelDir(), id); err != nil {
		return "", apperrors.SchedulerSubmit("grid.submit", err)
	}
	return id, nil
}

var statusPattern = regexp.MustCompile(`Status\s*=\s*([A-Za-z]+)`)

// State parses dirac-wms-job-status output.
func (s *GridScheduler) State(ctx context.Context, internalID string) (job.State, error) {
	code, stdout, stderr, err := s.run(ctx, "dirac-wms-job-status", "-j", internalID)
	if err != nil {
		return "", apperrors.SchedulerState("grid.status", err)
	}
	if code != 0 {
		return "", apperrors.SchedulerState(
			"grid.status",
			fmt.Errorf("dirac-wms-job-status exited with %d: %s", code, strings.TrimSpace(stderr)),
		)
	}
	match := statusPattern.FindStringSubmatch(stdout)
	if match == nil {
		return "", apperrors.SchedulerState("grid.status", fmt.Errorf("no status in output %q", stdout))
	}
	return mapGridState(match[1]), nil
}

// Cancel kills the WMS job; kill errors on finished jobs are swallowed.
func (s *GridScheduler) Cancel(ctx context.Context, internalID string) error {
	_, _, _, err := s.run(ctx, "dirac-wms-job-kill", "-j", internalID)
	if err != nil {
		return apperrors.SchedulerState("grid.kill", err)
	}
	return nil
}

// Close releases the SSH connection, if any.
func (s *GridScheduler) Close() error {
	return s.runner.Close()
}

// run invokes a DIRAC tool, injecting the proxy through the environment when
// configured.
func (s *GridScheduler) run(ctx context.Context, tool string, args ...string) (int, string, string, error) {
	if s.proxy != "" {
		env := []string{"X509_USER_PROXY=" + s.proxy, tool}
		return s.runner.Run(ctx, "env", append(env, args...), "", "")
	}
	return s.runner.Run(ctx, tool, args, "", "")
}

// mapGridState folds DIRAC job status onto the broker vocabulary.
func mapGridState(status string) job.State {
	switch status {
	case "Submitted", "Received", "Checking", "Waiting", "Matched", "Staging", "Rescheduled":
		return job.StateQueued
	case "Running", "Completing", "Completed":
		return job.StateRunning
	case "Done":
		return job.StateOK
	default:
		// Failed, Stalled, Killed, Deleted, and anything unmapped.
		return job.StateError
	}
}

// lfnDir is the storage element directory of one job, keyed by the job
// directory name (the job id).
func (s *GridScheduler) lfnDir(jobDir string) string {
	return path.Join(s.lfnRoot, filepath.Base(jobDir))
}

// writeJobScript writes the wrapper the grid node executes into the job
// directory on the service host (desc.JobDir is the remote LFN directory):
// fetch the input archive from the storage element, run the command in the
// unpacked input directory, archive every output with directory structure
// intact and push it back.
func (s *GridScheduler) writeJobScript(desc Description) error {
	lfn := s.lfnDir(desc.JobDir)
	run := desc.Command
	if s.apptainer != "" {
		run = fmt.Sprintf("apptainer run %s %s", command.ShellQuote(s.apptainer), desc.Command)
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "dirac-dms-get-file %s\n", command.ShellQuote(path.Join(lfn, "input.tar.gz")))
	b.WriteString("tar xzf input.tar.gz\n")
	b.WriteString("rm input.tar.gz\n")
	b.WriteString("set +e\n")
	// Uploaded files live under input/; returncode stays at the root.
	fmt.Fprintf(&b, "(cd %s && %s)\n", InputDir, run)
	b.WriteString("echo -n $? > returncode\n")
	b.WriteString("set -e\n")
	// Everything but the wrapper machinery goes back, nested paths preserved.
	b.WriteString("tar czf output.tar.gz --exclude=output.tar.gz --exclude=job.sh --exclude=job.jdl .\n")
	fmt.Fprintf(&b, "dirac-dms-add-file %s output.tar.gz %s\n",
		command.ShellQuote(path.Join(lfn, "output.tar.gz")),
		command.ShellQuote(s.storageElement),
	)

	return os.WriteFile(filepath.Join(desc.SentinelDir(), "job.sh"), []byte(b.String()), 0o755)
}

// writeJDL writes the job description language file next to the wrapper in
// the local job directory. Only the wrapper goes into the input sandbox;
// only scheduler-internal files come back through the output sandbox.
func (s *GridScheduler) writeJDL(desc Description) (string, error) {
	local := desc.SentinelDir()
	name := filepath.Base(desc.JobDir)
	var b strings.Builder
	fmt.Fprintf(&b, "JobName = %q;\n", name)
	b.WriteString("Executable = \"job.sh\";\n")
	fmt.Fprintf(&b, "InputSandbox = {%q};\n", filepath.Join(local, "job.sh"))
	b.WriteString("StdOutput = \"stdout.txt\";\n")
	b.WriteString("StdError = \"stderr.txt\";\n")
	b.WriteString("OutputSandbox = {\"stdout.txt\",\"stderr.txt\",\"returncode\"};\n")
	if desc.CPUTime > 0 {
		fmt.Fprintf(&b, "CPUTime = %d;\n", int(desc.CPUTime.Seconds()))
	}

	jdlPath := filepath.Join(local, "job.jdl")
	if err := os.WriteFile(jdlPath, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return jdlPath, nil
}

var _ Scheduler = (*GridScheduler)(nil)
