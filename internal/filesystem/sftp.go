package filesystem

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"jobbroker/internal/config"
	"jobbroker/internal/sshutil"
)

// SftpFS transfers job directories over SFTP. One instance holds one SSH
// connection shared across jobs, dialed lazily and redialed after failures;
// all access goes through the instance's lock.
type SftpFS struct {
	sshCfg sshutil.Config
	entry  string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

// NewSftpFS creates a filesystem from config. entry is the remote directory
// that mirrors the local job root.
func NewSftpFS(cfg config.SftpFilesystemConfig) *SftpFS {
	entry := cfg.Entry
	if entry == "" {
		entry = "/"
	}
	var sshCfg sshutil.Config
	if cfg.SSH != nil {
		sshCfg = *cfg.SSH
	}
	return &SftpFS{
		sshCfg: sshCfg,
		entry:  entry,
		logger: slog.With("component", "filesystem", "type", "sftp", "host", sshCfg.Hostname),
	}
}

// Localize replaces the local job root prefix with the remote entry:
// /local/jobs/7 under root /local/jobs becomes <entry>/7.
func (f *SftpFS) Localize(localDir, localRoot string) string {
	rel, err := filepath.Rel(localRoot, localDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(localDir)
	}
	return path.Join(f.entry, filepath.ToSlash(rel))
}

// Upload recursively transfers localDir. The tree is staged to a sibling
// path and renamed so the scheduler never observes a partial directory.
func (f *SftpFS) Upload(ctx context.Context, localDir, remoteDir string) error {
	client, err := f.connect()
	if err != nil {
		return classifyIO("sftp.upload", err)
	}

	part := remoteDir + ".part"
	// A retry after a crash may leave either path behind.
	_ = client.RemoveAll(part)
	_ = client.RemoveAll(remoteDir)

	walkErr := filepath.Walk(localDir, func(local string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(localDir, local)
		if err != nil {
			return err
		}
		remote := path.Join(part, filepath.ToSlash(rel))
		if info.IsDir() {
			return client.MkdirAll(remote)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return f.putFile(client, local, remote)
	})
	if walkErr != nil {
		f.drop()
		return classifyIO("sftp.upload", walkErr)
	}

	if err := client.Rename(part, remoteDir); err != nil {
		f.drop()
		return classifyIO("sftp.upload", err)
	}
	return nil
}

// Download mirrors the remote tree into localDir. Files that vanish between
// listing and read are skipped; a job is free not to produce optional
// outputs.
func (f *SftpFS) Download(ctx context.Context, remoteDir, localDir string) error {
	client, err := f.connect()
	if err != nil {
		return classifyIO("sftp.download", err)
	}
	if err := f.getDir(ctx, client, remoteDir, localDir); err != nil {
		f.drop()
		return classifyIO("sftp.download", err)
	}
	return nil
}

// Teardown removes the remote job directory, best-effort.
func (f *SftpFS) Teardown(ctx context.Context, remoteDir string) {
	client, err := f.connect()
	if err != nil {
		f.logger.Warn("Teardown connect failed", "remoteDir", remoteDir, "error", err)
		return
	}
	if err := client.RemoveAll(remoteDir); err != nil {
		f.logger.Warn("Teardown failed", "remoteDir", remoteDir, "error", err)
	}
}

// Close drops the pooled connection.
func (f *SftpFS) Close() error {
	f.drop()
	return nil
}

func (f *SftpFS) putFile(client *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := client.Create(remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (f *SftpFS) getDir(ctx context.Context, client *sftp.Client, remoteDir, localDir string) error {
	entries, err := client.ReadDir(remoteDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remote := path.Join(remoteDir, entry.Name())
		local := filepath.Join(localDir, entry.Name())
		if entry.IsDir() {
			if err := f.getDir(ctx, client, remote, local); err != nil {
				return err
			}
			continue
		}
		if err := f.getFile(client, remote, local); err != nil {
			if os.IsNotExist(err) {
				f.logger.Debug("Remote file vanished during download", "path", remote)
				continue
			}
			return err
		}
	}
	return nil
}

func (f *SftpFS) getFile(client *sftp.Client, remote, local string) error {
	src, err := client.Open(remote)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (f *SftpFS) connect() (*sftp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	conn, err := sshutil.Dial(f.sshCfg)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	f.conn = conn
	f.client = client
	return client, nil
}

func (f *SftpFS) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		_ = f.client.Close()
		f.client = nil
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

var _ FileSystem = (*SftpFS)(nil)
