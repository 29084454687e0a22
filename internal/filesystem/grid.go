package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"jobbroker/internal/config"
	"jobbroker/internal/intake"
	"jobbroker/internal/scheduler"
)

// Archive names on the storage element.
const (
	inputArchive  = "input.tar.gz"
	outputArchive = "output.tar.gz"
)

// GridFS stores job directories on a grid storage element as archives,
// driven through the DIRAC data management command line tools. Archiving
// keeps nested output paths intact; the grid layers flatten plain files.
type GridFS struct {
	runner         scheduler.CommandRunner
	lfnRoot        string
	storageElement string
	proxy          string
	logger         *slog.Logger
}

// NewGridFS creates a filesystem from config.
func NewGridFS(cfg config.GridFilesystemConfig) *GridFS {
	var runner scheduler.CommandRunner = scheduler.LocalRunner{}
	if cfg.SSH != nil {
		runner = scheduler.NewSSHRunner(*cfg.SSH)
	}
	return &GridFS{
		runner:         runner,
		lfnRoot:        cfg.LFNRoot,
		storageElement: cfg.StorageElement,
		proxy:          cfg.Proxy,
		logger:         slog.With("component", "filesystem", "type", "dirac", "se", cfg.StorageElement),
	}
}

// Localize maps the job directory to its logical file name directory, keyed
// by the job's identity (the directory name).
func (f *GridFS) Localize(localDir, localRoot string) string {
	return path.Join(f.lfnRoot, filepath.Base(localDir))
}

// Upload archives the job directory and registers it on the storage
// element. The archive is a single file, so the wrapper script on the grid
// node either sees the complete input or nothing.
func (f *GridFS) Upload(ctx context.Context, localDir, remoteDir string) error {
	archivePath := filepath.Join(os.TempDir(), fmt.Sprintf("jobbroker-%s-input.tar.gz", filepath.Base(localDir)))
	out, err := os.Create(archivePath)
	if err != nil {
		return classifyIO("grid.upload", err)
	}
	defer os.Remove(archivePath)

	if err := intake.PackTarGz(localDir, out); err != nil {
		out.Close()
		return classifyIO("grid.upload", err)
	}
	if err := out.Close(); err != nil {
		return classifyIO("grid.upload", err)
	}

	lfn := path.Join(remoteDir, inputArchive)
	// Re-registering an existing file fails; clear a leftover from a retry.
	_, _, _, _ = f.run(ctx, "dirac-dms-remove-files", lfn)

	code, _, stderr, err := f.run(ctx, "dirac-dms-add-file", lfn, archivePath, f.storageElement)
	if err != nil {
		return classifyIO("grid.upload", err)
	}
	if code != 0 {
		return classifyIO("grid.upload", fmt.Errorf("dirac-dms-add-file exited with %d: %s", code, strings.TrimSpace(stderr)))
	}
	return nil
}

// Download fetches the output archive the wrapper script registered and
// unpacks it over the job directory, preserving nested paths. A job that
// died before producing the archive is tolerated.
func (f *GridFS) Download(ctx context.Context, remoteDir, localDir string) error {
	workDir, err := os.MkdirTemp("", "jobbroker-grid-")
	if err != nil {
		return classifyIO("grid.download", err)
	}
	defer os.RemoveAll(workDir)

	lfn := path.Join(remoteDir, outputArchive)
	code, _, stderr, err := f.run(ctx, "dirac-dms-get-file", "-D", workDir, lfn)
	if err != nil {
		return classifyIO("grid.download", err)
	}
	if code != 0 {
		if isMissingReplica(stderr) {
			f.logger.Info("No output archive on storage element", "lfn", lfn)
			return nil
		}
		return classifyIO("grid.download", fmt.Errorf("dirac-dms-get-file exited with %d: %s", code, strings.TrimSpace(stderr)))
	}

	archive, err := os.Open(filepath.Join(workDir, outputArchive))
	if err != nil {
		return classifyIO("grid.download", err)
	}
	defer archive.Close()

	if err := intake.UnpackTarGz(archive, localDir); err != nil {
		return classifyIO("grid.download", err)
	}
	return nil
}

// Teardown removes the job's archives from the storage element, best-effort.
func (f *GridFS) Teardown(ctx context.Context, remoteDir string) {
	for _, name := range []string{inputArchive, outputArchive} {
		lfn := path.Join(remoteDir, name)
		code, _, stderr, err := f.run(ctx, "dirac-dms-remove-files", lfn)
		if err != nil || (code != 0 && !isMissingReplica(stderr)) {
			f.logger.Warn("Teardown failed", "lfn", lfn, "error", err, "stderr", strings.TrimSpace(stderr))
		}
	}
}

// Close releases the SSH connection, if any.
func (f *GridFS) Close() error {
	return f.runner.Close()
}

func (f *GridFS) run(ctx context.Context, tool string, args ...string) (int, string, string, error) {
	if f.proxy != "" {
		env := []string{"X509_USER_PROXY=" + f.proxy, tool}
		return f.runner.Run(ctx, "env", append(env, args...), "", "")
	}
	return f.runner.Run(ctx, tool, args, "", "")
}

func isMissingReplica(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no such file") ||
		strings.Contains(lower, "no accessible replicas") ||
		strings.Contains(lower, "file does not exist")
}

var _ FileSystem = (*GridFS)(nil)
