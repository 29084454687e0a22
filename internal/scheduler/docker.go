package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/config"
	"jobbroker/internal/job"
)

// Container labels identifying broker jobs.
const (
	labelManaged = "jobbroker.managed"
	labelJobDir  = "jobbroker.jobdir"
)

// containerWorkdir is where the job directory is mounted inside containers.
// The command executes in the input subdirectory, where uploaded files live.
const containerWorkdir = "/job"

// DockerScheduler runs jobs as containers on the local Docker daemon with
// the job directory bind-mounted. The internal id is the container id, so
// state survives service restarts as long as the container does.
type DockerScheduler struct {
	client     *client.Client
	image      string
	autoRemove bool
	logger     *slog.Logger
}

// NewDockerScheduler connects to the daemon and verifies it is reachable.
func NewDockerScheduler(ctx context.Context, cfg config.DockerSchedulerConfig) (*DockerScheduler, error) {
	if cfg.Image == "" {
		return nil, apperrors.Configuration("docker", "docker scheduler requires an image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Configuration("docker", fmt.Sprintf("create docker client: %v", err))
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, apperrors.Configuration("docker", fmt.Sprintf("docker daemon unreachable: %v", err))
	}
	return &DockerScheduler{
		client:     cli,
		image:      cfg.Image,
		autoRemove: cfg.AutoRemove,
		logger:     slog.With("component", "scheduler", "type", "docker"),
	}, nil
}

// Submit creates and starts the job container.
func (s *DockerScheduler) Submit(ctx context.Context, desc Description) (string, error) {
	if id, ok := ReadSentinel(desc.SentinelDir()); ok {
		return id, nil
	}

	containerConfig := &container.Config{
		Image:      s.image,
		Cmd:        []string{"/bin/sh", "-c", desc.Command},
		WorkingDir: containerWorkdir + "/" + InputDir,
		Labels: map[string]string{
			labelManaged: "true",
			labelJobDir:  desc.JobDir,
		},
	}
	hostConfig := &container.HostConfig{
		Binds: []string{desc.JobDir + ":" + containerWorkdir},
	}
	if desc.MemoryMB > 0 {
		hostConfig.Resources.Memory = int64(desc.MemoryMB) << 20
	}

	name := "jobbroker-" + filepath.Base(desc.JobDir)
	resp, err := s.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", apperrors.SchedulerSubmit("docker.create", err)
	}

	if err := WriteSentinel(desc.SentinelDir(), resp.ID); err != nil {
		return "", apperrors.SchedulerSubmit("docker.create", err)
	}

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apperrors.SchedulerSubmit("docker.start", err)
	}
	s.logger.Info("Container started", "containerId", resp.ID[:12], "jobDir", desc.JobDir)
	return resp.ID, nil
}

// State inspects the container. When it has exited, the logs and return code
// are materialised into the job directory before reporting a terminal state.
func (s *DockerScheduler) State(ctx context.Context, internalID string) (job.State, error) {
	inspect, err := s.client.ContainerInspect(ctx, internalID)
	if err != nil {
		return "", apperrors.SchedulerState("docker.inspect", err)
	}

	switch inspect.State.Status {
	case "created":
		return job.StateQueued, nil
	case "running", "paused", "restarting", "removing":
		return job.StateRunning, nil
	case "exited", "dead":
		jobDir := inspect.Config.Labels[labelJobDir]
		if jobDir != "" {
			if err := s.harvest(ctx, internalID, jobDir, inspect.State.ExitCode); err != nil {
				s.logger.Warn("Failed to harvest container output", "containerId", internalID[:12], "error", err)
			}
		}
		if inspect.State.ExitCode == 0 {
			return job.StateOK, nil
		}
		return job.StateError, nil
	default:
		return "", apperrors.SchedulerState("docker.inspect", fmt.Errorf("container status %q", inspect.State.Status))
	}
}

// Cancel stops the container; missing or already stopped containers are fine.
func (s *DockerScheduler) Cancel(ctx context.Context, internalID string) error {
	timeout := 10
	err := s.client.ContainerStop(ctx, internalID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return apperrors.SchedulerState("docker.stop", err)
	}
	return nil
}

// Close releases the client. Running containers continue independently.
func (s *DockerScheduler) Close() error {
	return s.client.Close()
}

// harvest writes stdout.txt, stderr.txt and returncode into the job
// directory once, then optionally removes the container.
func (s *DockerScheduler) harvest(ctx context.Context, containerID, jobDir string, exitCode int) error {
	if _, err := os.Stat(filepath.Join(jobDir, "returncode")); err == nil {
		return nil
	}

	logs, err := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	stdout, err := os.Create(filepath.Join(jobDir, "stdout.txt"))
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(jobDir, "stderr.txt"))
	if err != nil {
		return err
	}
	defer stderr.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !strings.Contains(err.Error(), "EOF") {
		return err
	}
	if err := writeReturnCode(jobDir, exitCode); err != nil {
		return err
	}

	if s.autoRemove {
		_ = s.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	}
	return nil
}

var _ Scheduler = (*DockerScheduler)(nil)
