package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/bobbylastro/FFMPEG-Propre/internal/job"
)

// maxBodyBytes caps the request body of POST /create-video.
const maxBodyBytes = 1 << 20

// LoadReporter reports host CPU usage for the health check.
type LoadReporter interface {
	Percent(ctx context.Context) (float64, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service       *job.SlideshowService
	validator     *validator.Validate
	logger        *slog.Logger
	load          LoadReporter
	publicBaseURL string
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithLoadReporter adds CPU usage to the health response.
func WithLoadReporter(r LoadReporter) HandlerOption {
	return func(h *Handlers) {
		h.load = r
	}
}

// WithPublicBaseURL fixes the root of returned video URLs. Without it the
// root is derived from each request.
func WithPublicBaseURL(baseURL string) HandlerOption {
	return func(h *Handlers) {
		h.publicBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.SlideshowService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.load != nil {
		if pct, err := h.load.Percent(r.Context()); err == nil {
			resp.CPUPercent = &pct
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateVideo handles POST /create-video requests. The job runs while the
// request is open and the response carries the published video URL.
func (h *Handlers) CreateVideo(w http.ResponseWriter, r *http.Request) {
	var req CreateVideoRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, validationFailure(err))
		return
	}

	out, err := h.service.CreateVideo(r.Context(), job.CreateVideoInput{
		Images:   req.Images,
		AudioURL: req.audioURL(),
		BaseURL:  h.baseURL(r),
	})
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CreateVideoResponse{
		VideoURL:        out.VideoURL,
		JobID:           out.JobID,
		SecondsPerImage: out.SecondsPerImage,
		Segments:        out.Segments,
	})
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	foundJob, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(foundJob))
}

// DeleteJob handles DELETE /jobs/{id} requests. Only the record of a
// finished job is removed.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	err := h.service.DeleteJob(r.Context(), jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrJobRunning):
		writeError(w, http.StatusConflict, "job is still running", "JOB_RUNNING")
	default:
		h.logger.Error("failed to delete job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to delete job", "JOB_DELETE_FAILED")
	}
}

// writeJobError maps a service error to a status code and a failure body.
func (h *Handlers) writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, job.ErrServerBusy) {
		h.logger.Warn("job refused", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "server busy, retry later", "SERVER_BUSY")
		return
	}

	var jobErr *job.Error
	if !errors.As(err, &jobErr) {
		h.logger.Error("unexpected job error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "job failed", string(job.KindInternal))
		return
	}

	resp := JobFailureResponse{
		Error:    "job failed",
		Code:     string(jobErr.Kind),
		JobID:    jobErr.JobID,
		Resource: jobErr.Resource,
	}
	if jobErr.HasIndex() {
		idx := jobErr.Index
		resp.Index = &idx
	}
	if jobErr.Err != nil {
		resp.Detail = jobErr.Err.Error()
	}
	writeJSON(w, statusForKind(jobErr.Kind), resp)
}

// validationFailure reports the first invalid field in the same shape as
// a failed job. Image fields carry their position.
func validationFailure(err error) JobFailureResponse {
	resp := JobFailureResponse{
		Error:  "job failed",
		Code:   string(job.KindInvalidRequest),
		Detail: err.Error(),
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return resp
	}
	fe := fieldErrs[0]
	resp.Detail = fmt.Sprintf("%s failed on the %q rule", fe.Field(), fe.Tag())
	if v, ok := fe.Value().(string); ok {
		resp.Resource = v
	}
	// Elements checked by "dive" are reported as Images[n].
	if _, rest, ok := strings.Cut(fe.Field(), "["); ok {
		if idx, err := strconv.Atoi(strings.TrimSuffix(rest, "]")); err == nil {
			resp.Index = &idx
		}
	}
	return resp
}

func statusForKind(kind job.ErrorKind) int {
	switch kind {
	case job.KindInvalidRequest:
		return http.StatusBadRequest
	case job.KindAssetFetch:
		return http.StatusBadGateway
	case job.KindCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// baseURL is the configured public root, or scheme://host of the request.
func (h *Handlers) baseURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID,
		Status:          string(j.Status),
		Stage:           string(j.Stage),
		Progress:        j.Progress,
		Images:          len(j.Images),
		HasAudio:        j.HasAudio(),
		SecondsPerImage: j.SecondsPerImage,
		VideoURL:        j.VideoURL,
		CreatedAt:       j.CreatedAt,
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		resp.CompletedAt = &completed
	}
	for _, seg := range j.Segments {
		resp.Segments = append(resp.Segments, SegmentResponse{
			Index:    seg.Index,
			Source:   seg.Source,
			Duration: seg.Duration,
			Motion:   seg.Motion,
			Status:   string(seg.Status),
		})
	}
	if j.Failure != nil {
		resp.Failure = &FailureResponse{
			Code:     string(j.Failure.Kind),
			Resource: j.Failure.Resource,
			Index:    j.Failure.Index,
			Detail:   j.Failure.Message,
		}
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
