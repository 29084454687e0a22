package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassificationViaErrorsIs(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"configuration", Configuration("config", "bad template"), ErrConfiguration},
		{"validation", Validation("msg", "required"), ErrValidation},
		{"transient io", TransientIO("sftp.upload", cause), ErrTransientIO},
		{"permanent io", PermanentIO("sftp.auth", cause), ErrPermanentIO},
		{"scheduler submit", SchedulerSubmit("slurm.sbatch", cause), ErrSchedulerSubmit},
		{"scheduler state", SchedulerState("slurm.sacct", cause), ErrSchedulerState},
		{"interactive", InteractiveRun("timed out", nil), ErrInteractiveRun},
		{"job dir missing", JobDirMissing(3), ErrJobDirMissing},
		{"not found", NotFound("job", "9"), ErrNotFound},
		{"forbidden", Forbidden("application", "role required"), ErrForbidden},
		{"conflict", Conflict("job", "9", "illegal transition"), ErrConflict},
		{"internal", Internal("store.get", cause), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", tt.err)
			}
		})
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := TransientIO("op", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("f", "bad"), http.StatusBadRequest},
		{Forbidden("job", "not yours"), http.StatusForbidden},
		{NotFound("job", "9"), http.StatusNotFound},
		{Conflict("job", "9", "exists"), http.StatusConflict},
		{JobDirMissing(9), http.StatusGone},
		{Internal("op", fmt.Errorf("x")), http.StatusInternalServerError},
		{fmt.Errorf("plain error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
