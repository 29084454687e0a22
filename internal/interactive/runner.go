// Package interactive executes short follow-up commands in the local
// directory of a completed job.
package interactive

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/job"
	"jobbroker/internal/registry"
)

// maxOutputBytes caps captured stdout and stderr at 1 MiB each.
const maxOutputBytes = 1 << 20

// Result is what an interactive command produced.
type Result struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// Runner executes interactive applications.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner() *Runner {
	return &Runner{logger: slog.With("component", "interactive")}
}

// Run validates the payload, renders the command and executes it in the
// job's local directory under the application's wall-clock timeout.
//
// Preconditions checked here: the job is ok; the interactive application's
// job_application restriction matches; the job directory exists locally.
// Files the command writes into the job directory become job artifacts.
func (r *Runner) Run(
	ctx context.Context,
	iapp *registry.InteractiveApplication,
	j *job.Job,
	jobDir string,
	payload map[string]any,
) (*Result, error) {
	if j.State != job.StateOK {
		return nil, apperrors.Validation(
			"job",
			fmt.Sprintf("job %d is %s, interactive applications require ok", j.ID, j.State),
		)
	}
	if iapp.JobApplication != "" && iapp.JobApplication != j.Application {
		return nil, apperrors.Validation(
			"job",
			fmt.Sprintf(
				"interactive application %s runs on %s jobs, job %d ran %s",
				iapp.Name, iapp.JobApplication, j.ID, j.Application,
			),
		)
	}
	if info, err := os.Stat(jobDir); err != nil || !info.IsDir() {
		return nil, apperrors.JobDirMissing(j.ID)
	}

	if err := iapp.ValidateInput(payload); err != nil {
		return nil, err
	}

	// Base64-encoded file properties become temporary files; the template
	// substitutes their paths. The files live only as long as the command.
	cleanup, err := stageEmbeddedFiles(iapp, payload)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd, err := iapp.Render(payload)
	if err != nil {
		return nil, err
	}
	return r.shell(ctx, jobDir, cmd, iapp)
}

func (r *Runner) shell(ctx context.Context, jobDir, command string, iapp *registry.InteractiveApplication) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, iapp.Timeout)
	defer cancel()

	proc := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	proc.Dir = jobDir
	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	proc.Stdout = stdout
	proc.Stderr = stderr
	proc.Cancel = func() error { return proc.Process.Kill() }
	// Children of the shell may keep the output pipes open after the kill;
	// stop waiting for them shortly after so the timeout holds.
	proc.WaitDelay = time.Second

	runErr := proc.Run()

	if stdout.truncated || stderr.truncated {
		return nil, apperrors.InteractiveRun(
			fmt.Sprintf("interactive application %s exceeded the %d byte output cap", iapp.Name, maxOutputBytes),
			nil,
		)
	}
	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Warn("Interactive command timed out", "application", iapp.Name, "timeout", iapp.Timeout)
		return nil, apperrors.InteractiveRun(
			fmt.Sprintf("interactive application %s timed out after %s", iapp.Name, iapp.Timeout),
			ctx.Err(),
		)
	}

	code := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, apperrors.InteractiveRun(
				fmt.Sprintf("interactive application %s failed to start", iapp.Name),
				runErr,
			)
		}
		code = exitErr.ExitCode()
	}

	return &Result{
		ReturnCode: code,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}, nil
}

// stageEmbeddedFiles decodes base64 file properties to temporary files and
// rewrites the payload values to their paths. The returned cleanup removes
// the files regardless of how the command ends.
func stageEmbeddedFiles(iapp *registry.InteractiveApplication, payload map[string]any) (func(), error) {
	props := iapp.Base64Properties()
	if len(props) == 0 {
		return func() {}, nil
	}

	mediaDir, err := os.MkdirTemp("", "jobbroker-media-")
	if err != nil {
		return nil, apperrors.Internal("interactive.media", err)
	}
	cleanup := func() { _ = os.RemoveAll(mediaDir) }

	for _, prop := range props {
		encoded, ok := payload[prop].(string)
		if !ok || encoded == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			cleanup()
			return nil, apperrors.Validation(prop, fmt.Sprintf("property %s is not valid base64", prop))
		}
		path := filepath.Join(mediaDir, prop)
		if err := os.WriteFile(path, decoded, 0o600); err != nil {
			cleanup()
			return nil, apperrors.Internal("interactive.media", err)
		}
		payload[prop] = path
	}
	return cleanup, nil
}

// cappedBuffer stops accepting bytes past its limit and remembers that it
// overflowed.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() >= b.limit {
		b.truncated = true
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.truncated = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
