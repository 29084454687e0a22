// Package api provides the HTTP surface of the broker. It parses and
// normalizes requests, then calls into the core; no job semantics live here.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/auth"
	"jobbroker/internal/health"
	"jobbroker/internal/intake"
	"jobbroker/internal/interactive"
	"jobbroker/internal/job"
	"jobbroker/internal/orchestrator"
	"jobbroker/internal/registry"
)

// Body limits.
const (
	maxUploadBytes      = 1 << 30 // 1 GiB archives
	maxInteractiveBytes = 16 << 20
)

// Handler contains the HTTP handlers for the broker API.
type Handler struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	runner   *interactive.Runner
	health   *health.Checker
	jobRoot  string
}

// NewHandler creates an API handler.
func NewHandler(
	reg *registry.Registry,
	orch *orchestrator.Orchestrator,
	runner *interactive.Runner,
	healthChecker *health.Checker,
	jobRoot string,
) *Handler {
	return &Handler{
		registry: reg,
		orch:     orch,
		runner:   runner,
		health:   healthChecker,
		jobRoot:  jobRoot,
	}
}

// applicationView is the public shape of an application.
type applicationView struct {
	Name        string         `json:"name"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	UploadNeeds []string       `json:"uploadNeeds,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ListApplications handles GET /api/applications.
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	apps := h.registry.Applications(principal)

	views := make([]applicationView, 0, len(apps))
	for _, app := range apps {
		views = append(views, applicationView{
			Name:        app.Name,
			Summary:     app.Summary,
			Description: app.Description,
			UploadNeeds: app.UploadNeeds,
			InputSchema: app.RawSchema,
		})
	}
	h.writeJSON(w, http.StatusOK, views)
}

// SubmitJob handles POST /api/applications/{name}/jobs. The body is
// multipart: an "upload" archive plus an optional JSON "payload" field.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	app, err := h.registry.Application(r.PathValue("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := app.CheckRoles(principal); err != nil {
		h.handleError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	upload, header, err := r.FormFile("upload")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "upload file field is required")
		return
	}
	defer upload.Close()

	payload, err := parsePayload(r.FormValue("payload"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := app.ValidateInput(payload); err != nil {
		h.handleError(w, r, err)
		return
	}

	staging, err := intake.Stage(h.jobRoot, upload, uploadContentType(header))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if missing := intake.MissingUploads(staging, app.UploadNeeds); len(missing) > 0 {
		intake.Discard(staging)
		h.handleError(w, r, apperrors.Validation(
			"upload",
			fmt.Sprintf("missing_upload: %s", strings.Join(missing, ", ")),
		))
		return
	}

	cmd, err := app.Render(payload)
	if err != nil {
		intake.Discard(staging)
		h.handleError(w, r, err)
		return
	}

	jobID, err := h.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		Application: app.Name,
		Name:        header.Filename,
		Principal:   principal,
		Command:     cmd,
		StagingDir:  staging,
		Token:       TokenFromContext(r.Context()),
	})
	if err != nil {
		intake.Discard(staging)
		h.handleError(w, r, err)
		return
	}

	j, err := h.orch.Job(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, j)
}

// ListJobs handles GET /api/jobs. Admins see all jobs, everyone else their
// own.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	submitter := principal.UserID
	if principal.Admin() {
		submitter = ""
	}

	jobs, err := h.orch.Jobs(r.Context(), submitter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /api/jobs/{jobId}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /api/jobs/{jobId}/cancel. Cancelling a terminal
// job is a successful no-op.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}
	if err := h.orch.Cancel(r.Context(), j.ID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetJobFile handles GET /api/jobs/{jobId}/files/{path...} and serves an
// artifact out of the local job directory.
func (h *Handler) GetJobFile(w http.ResponseWriter, r *http.Request) {
	j, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}

	path, err := intake.ResolveFile(h.orch.JobDir(j.ID), r.PathValue("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		h.handleError(w, r, apperrors.NotFound("file", r.PathValue("path")))
		return
	}
	http.ServeFile(w, r, path)
}

// GetJobDirectories handles GET /api/jobs/{jobId}/directories: a depth-
// limited listing of the job directory.
func (h *Handler) GetJobDirectories(w http.ResponseWriter, r *http.Request) {
	j, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}

	depth := 1
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 10 {
			depth = parsed
		}
	}

	tree, err := intake.WalkDir(h.orch.JobDir(j.ID), depth)
	if err != nil {
		h.handleError(w, r, apperrors.JobDirMissing(j.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, tree)
}

// RunInteractive handles POST /api/jobs/{jobId}/interactive/{app}.
func (h *Handler) RunInteractive(w http.ResponseWriter, r *http.Request) {
	j, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}
	iapp, err := h.registry.Interactive(r.PathValue("app"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxInteractiveBytes)
	payload := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err.Error() != "EOF" {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.runner.Run(r.Context(), iapp, j, h.orch.JobDir(j.ID), payload)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// authorizedJob loads the job from the path and enforces that the principal
// owns it or is an admin. Writes the error response itself on failure.
func (h *Handler) authorizedJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	principal, _ := auth.FromContext(r.Context())

	jobID, err := strconv.ParseInt(r.PathValue("jobId"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Job ID must be an integer")
		return nil, false
	}
	j, err := h.orch.Job(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	if j.Submitter != principal.UserID && !principal.Admin() {
		h.handleError(w, r, apperrors.Forbidden("job", "job belongs to another user"))
		return nil, false
	}
	return j, true
}

func parsePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, apperrors.Validation("payload", "payload field must be a JSON object")
	}
	return payload, nil
}

func uploadContentType(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if strings.EqualFold(filepath.Ext(header.Filename), ".zip") {
		return "application/zip"
	}
	return header.Header.Get("Content-Type")
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors onto HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
