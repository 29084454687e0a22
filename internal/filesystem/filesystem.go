// Package filesystem moves job directories between the service host and the
// execution site: a no-op local variant, recursive SFTP transfer, and
// archive-based transfer to a grid storage element.
package filesystem

import (
	"context"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/sshutil"
)

// FileSystem makes a local job directory visible at an execution site and
// brings results back. Uploads are atomic from the scheduler's viewpoint: a
// scheduler never observes a partially transferred directory.
type FileSystem interface {
	// Localize maps a local job directory to its remote path, given the
	// local job root it lives under. The result is the remote handle the
	// other operations work on.
	Localize(localDir, localRoot string) string

	// Upload makes localDir visible at remoteDir.
	Upload(ctx context.Context, localDir, remoteDir string) error

	// Download brings results back from remoteDir into localDir. Partial
	// remote trees are tolerated: missing optional output files are not
	// errors.
	Download(ctx context.Context, remoteDir, localDir string) error

	// Teardown removes the remote copy, best-effort. Failures are logged by
	// implementations, never propagated.
	Teardown(ctx context.Context, remoteDir string)

	Close() error
}

// classifyIO wraps a filesystem failure: authentication failures against the
// remote are permanent, everything else is assumed transient and retried by
// the orchestrator.
func classifyIO(op string, err error) error {
	if sshutil.IsAuthError(err) {
		return apperrors.PermanentIO(op, err)
	}
	return apperrors.TransientIO(op, err)
}
