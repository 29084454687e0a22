package interactive

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/config"
	"jobbroker/internal/job"
	"jobbroker/internal/registry"
)

func testRegistry(t *testing.T, iapps map[string]config.InteractiveApplicationConfig) *registry.Registry {
	t.Helper()
	r, err := registry.New(&config.Config{
		Applications: map[string]config.ApplicationConfig{
			"wc": {CommandTemplate: "wc README.md"},
		},
		InteractiveApplications: iapps,
	})
	require.NoError(t, err)
	return r
}

func okJob(application string) *job.Job {
	return &job.Job{ID: 1, Application: application, State: job.StateOK}
}

func TestRunHappyPath(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"shout": {
			CommandTemplate: "echo {{ msg|q }}",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"msg": map[string]any{"type": "string"},
				},
				"required": []any{"msg"},
			},
		},
	})
	iapp, _ := r.Interactive("shout")

	jobDir := t.TempDir()
	result, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), jobDir,
		map[string]any{"msg": "; rm -rf /"})
	require.NoError(t, err)

	assert.Equal(t, 0, result.ReturnCode)
	assert.Equal(t, "; rm -rf /\n", result.Stdout)
	assert.Empty(t, result.Stderr)
}

func TestRunNonZeroReturnCode(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"fail": {CommandTemplate: "echo oops >&2; exit 3"},
	})
	iapp, _ := r.Interactive("fail")

	result, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ReturnCode)
	assert.Equal(t, "oops\n", result.Stderr)
}

func TestRunWritesArtifactsIntoJobDir(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"touch": {CommandTemplate: "echo extra > output-extra.txt"},
	})
	iapp, _ := r.Interactive("touch")

	jobDir := t.TempDir()
	_, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), jobDir, nil)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(jobDir, "output-extra.txt"))
	require.NoError(t, err)
	assert.Equal(t, "extra\n", string(content))
}

func TestRunTimeout(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"sleep": {
			CommandTemplate: "sleep {{ n|q }}",
			Timeout:         config.Duration(300 * time.Millisecond),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"n": map[string]any{"type": "string"},
				},
			},
		},
	})
	iapp, _ := r.Interactive("sleep")

	start := time.Now()
	_, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), t.TempDir(),
		map[string]any{"n": "5"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInteractiveRun)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunRefusesNonOKJob(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"noop": {CommandTemplate: "true"},
	})
	iapp, _ := r.Interactive("noop")

	j := okJob("wc")
	j.State = job.StateRunning
	_, err := NewRunner().Run(context.Background(), iapp, j, t.TempDir(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRunRefusesWrongApplication(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"rescore": {CommandTemplate: "true", JobApplication: "wc"},
	})
	iapp, _ := r.Interactive("rescore")

	_, err := NewRunner().Run(context.Background(), iapp, okJob("other-app"), t.TempDir(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRunRefusesMissingJobDir(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"noop": {CommandTemplate: "true"},
	})
	iapp, _ := r.Interactive("noop")

	_, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), "/does/not/exist", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrJobDirMissing,
		"jobs never staged back must be refused with the distinct error")
}

func TestRunBase64FileParameter(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"count": {
			CommandTemplate: "wc -c < {{ data|q }} && printf %s {{ data|q }}",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"data": map[string]any{
						"type":             "string",
						"contentEncoding":  "base64",
						"contentMediaType": "text/plain",
					},
				},
			},
		},
	})
	iapp, _ := r.Interactive("count")

	encoded := base64.StdEncoding.EncodeToString([]byte("hello world"))
	result, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), t.TempDir(),
		map[string]any{"data": encoded})
	require.NoError(t, err)
	require.Equal(t, 0, result.ReturnCode)

	lines := strings.SplitN(result.Stdout, "\n", 2)
	assert.Equal(t, "11", strings.TrimSpace(lines[0]), "command should read the decoded temp file")

	// The temp file is removed once the command exits.
	tempPath := strings.TrimSpace(lines[1])
	require.NotEmpty(t, tempPath)
	_, statErr := os.Stat(tempPath)
	assert.True(t, os.IsNotExist(statErr), "temporary file %s should be cleaned up", tempPath)
}

func TestRunRejectsInvalidBase64(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"count": {
			CommandTemplate: "wc -c {{ data|q }}",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"data": map[string]any{
						"type":             "string",
						"contentEncoding":  "base64",
						"contentMediaType": "text/plain",
					},
				},
			},
		},
	})
	iapp, _ := r.Interactive("count")

	_, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), t.TempDir(),
		map[string]any{"data": "!!! not base64 !!!"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRunOutputCap(t *testing.T) {
	r := testRegistry(t, map[string]config.InteractiveApplicationConfig{
		"flood": {CommandTemplate: "head -c 2097152 /dev/zero"},
	})
	iapp, _ := r.Interactive("flood")

	_, err := NewRunner().Run(context.Background(), iapp, okJob("wc"), t.TempDir(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInteractiveRun)
	assert.Contains(t, err.Error(), "output cap")
}
