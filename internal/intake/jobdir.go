package intake

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"jobbroker/internal/apperrors"
)

// Canonical names inside a job directory.
const (
	InputDir   = "input"
	OutputDir  = "output"
	MetaFile   = "meta"
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
)

var supportedContentTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
}

// Stage unpacks an uploaded archive into a fresh staging directory under
// jobRoot and returns its path. The directory follows the job layout
// (archive contents under input/, an empty output/) but has a temporary name
// until a job row exists: validation failures must leave no job behind.
func Stage(jobRoot string, upload multipart.File, contentType string) (string, error) {
	if !supportedContentTypes[contentType] {
		return "", apperrors.Validation(
			"upload",
			fmt.Sprintf("unsupported archive content type %q, supported: application/zip", contentType),
		)
	}

	stagingDir := filepath.Join(jobRoot, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Join(stagingDir, InputDir), 0o755); err != nil {
		return "", apperrors.Internal("intake.stage", err)
	}
	if err := os.MkdirAll(filepath.Join(stagingDir, OutputDir), 0o755); err != nil {
		return "", apperrors.Internal("intake.stage", err)
	}

	archivePath := filepath.Join(stagingDir, "archive.zip")
	out, err := os.Create(archivePath)
	if err != nil {
		return "", apperrors.Internal("intake.stage", err)
	}
	if _, err := io.Copy(out, upload); err != nil {
		out.Close()
		return "", apperrors.Internal("intake.stage", err)
	}
	out.Close()

	if err := UnpackZip(archivePath, filepath.Join(stagingDir, InputDir)); err != nil {
		_ = os.RemoveAll(stagingDir)
		return "", apperrors.Validation("upload", fmt.Sprintf("unpack archive: %v", err))
	}
	_ = os.Remove(archivePath)
	return stagingDir, nil
}

// Discard removes a staging directory after a failed validation.
func Discard(stagingDir string) {
	_ = os.RemoveAll(stagingDir)
}

// Promote renames a staged directory to its final job directory and writes
// the meta file, whose last line is the submitter's bearer token.
func Promote(stagingDir, jobRoot string, jobID int64, token string) (string, error) {
	jobDir := filepath.Join(jobRoot, fmt.Sprintf("%d", jobID))
	if err := os.Rename(stagingDir, jobDir); err != nil {
		return "", apperrors.Internal("intake.promote", err)
	}

	meta := fmt.Sprintf("job_id: %d\n%s\n", jobID, token)
	if err := os.WriteFile(filepath.Join(jobDir, MetaFile), []byte(meta), 0o600); err != nil {
		return "", apperrors.Internal("intake.promote", err)
	}
	return jobDir, nil
}

// JobDir returns the local directory of a job under the job root.
func JobDir(jobRoot string, jobID int64) string {
	return filepath.Join(jobRoot, fmt.Sprintf("%d", jobID))
}

// MissingUploads returns the required filenames absent from the staged
// input directory.
func MissingUploads(stagingDir string, needs []string) []string {
	var missing []string
	for _, name := range needs {
		path := filepath.Join(stagingDir, InputDir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			missing = append(missing, name)
		}
	}
	return missing
}

// ResolveFile resolves a user-supplied relative path inside a job directory,
// rejecting traversal out of it.
func ResolveFile(jobDir, relPath string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(relPath, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", apperrors.Validation("path", fmt.Sprintf("invalid path %q", relPath))
	}
	return filepath.Join(jobDir, cleaned), nil
}
