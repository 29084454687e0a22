package filesystem

import "context"

// LocalFS is the filesystem for schedulers that execute on the service host.
// The job directory is already where the work runs, so every transfer is a
// no-op and the remote handle is the local path itself.
type LocalFS struct{}

// Localize returns the local directory unchanged.
func (LocalFS) Localize(localDir, localRoot string) string {
	return localDir
}

// Upload is a no-op.
func (LocalFS) Upload(ctx context.Context, localDir, remoteDir string) error {
	return nil
}

// Download is a no-op.
func (LocalFS) Download(ctx context.Context, remoteDir, localDir string) error {
	return nil
}

// Teardown is a no-op; the job directory stays for artifact serving.
func (LocalFS) Teardown(ctx context.Context, remoteDir string) {}

// Close is a no-op.
func (LocalFS) Close() error {
	return nil
}

var _ FileSystem = LocalFS{}
