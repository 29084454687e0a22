package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
// Operational errors (I/O, scheduler) deliberately map to 500: they surface to
// clients only through the job's terminal state and reason string.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrJobDirMissing):
		return http.StatusGone
	case errors.Is(err, ErrInteractiveRun):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
