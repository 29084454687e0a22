package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"jobbroker/internal/command"
	"jobbroker/internal/sshutil"
)

// CommandRunner runs a single command and captures its streams. The slurm
// and grid schedulers use it to drive their command line tools either on
// this host or on a remote submit host.
type CommandRunner interface {
	// Run executes command with args in cwd (empty = runner default),
	// feeding stdin when non-empty. Returns exit code, stdout and stderr.
	// A non-zero exit code is not an error; err reports only failures to
	// run the command at all.
	Run(ctx context.Context, cmd string, args []string, stdin, cwd string) (int, string, string, error)
	Close() error
}

// LocalRunner runs commands on the host the service runs on.
type LocalRunner struct{}

// Run executes the command as a local subprocess.
func (LocalRunner) Run(ctx context.Context, cmd string, args []string, stdin, cwd string) (int, string, string, error) {
	proc := exec.CommandContext(ctx, cmd, args...)
	proc.Dir = cwd
	if stdin != "" {
		proc.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 0, "", "", err
		}
		code = exitErr.ExitCode()
	}
	return code, stdout.String(), stderr.String(), nil
}

// Close is a no-op for the local runner.
func (LocalRunner) Close() error {
	return nil
}

// SSHRunner runs commands on a remote host over a pooled SSH connection.
// The connection is dialed lazily and redialed after failures; all
// concurrency goes through the runner's own lock.
type SSHRunner struct {
	cfg sshutil.Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner creates a runner for the given SSH config.
func NewSSHRunner(cfg sshutil.Config) *SSHRunner {
	return &SSHRunner{cfg: cfg}
}

// Run executes the command in a fresh session on the shared connection.
func (r *SSHRunner) Run(ctx context.Context, cmd string, args []string, stdin, cwd string) (int, string, string, error) {
	client, err := r.connect()
	if err != nil {
		return 0, "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		// Stale connection; drop it so the next call redials.
		r.disconnect()
		return 0, "", "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	remote := command.ShellQuote(cmd)
	for _, arg := range args {
		remote += " " + command.ShellQuote(arg)
	}
	if cwd != "" {
		remote = fmt.Sprintf("cd %s && %s", command.ShellQuote(cwd), remote)
	}

	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(remote) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return 0, stdout.String(), stderr.String(), ctx.Err()
	case err = <-done:
	}

	code := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return 0, stdout.String(), stderr.String(), err
		}
		code = exitErr.ExitStatus()
	}
	return code, stdout.String(), stderr.String(), nil
}

// Close drops the pooled connection.
func (r *SSHRunner) Close() error {
	r.disconnect()
	return nil
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := sshutil.Dial(r.cfg)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *SSHRunner) disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
}

var (
	_ CommandRunner = LocalRunner{}
	_ CommandRunner = (*SSHRunner)(nil)
)
