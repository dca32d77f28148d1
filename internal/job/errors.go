package job

import (
	"errors"
	"fmt"
)

// ErrorKind classifies job failures.
type ErrorKind string

const (
	// KindInvalidRequest covers an empty or malformed request. No workspace is created.
	KindInvalidRequest ErrorKind = "INVALID_REQUEST"
	// KindAssetFetch means a source URL could not be downloaded.
	KindAssetFetch ErrorKind = "ASSET_FETCH_FAILED"
	// KindMediaProbe means the audio duration could not be determined.
	KindMediaProbe ErrorKind = "MEDIA_PROBE_FAILED"
	// KindRender means one image segment could not be produced.
	KindRender ErrorKind = "RENDER_FAILED"
	// KindConcatenation means final assembly failed.
	KindConcatenation ErrorKind = "CONCATENATION_FAILED"
	// KindPublish means the finished video could not be moved to its final location.
	KindPublish ErrorKind = "PUBLISH_FAILED"
	// KindWorkspaceCleanup is only ever logged; it never fails a job.
	KindWorkspaceCleanup ErrorKind = "WORKSPACE_CLEANUP_FAILED"
	// KindInternal covers failures outside the pipeline stages, such as
	// creating the workspace.
	KindInternal ErrorKind = "INTERNAL_ERROR"
	// KindCancelled means the caller went away or the job ran out of time.
	// It never names a resource.
	KindCancelled ErrorKind = "JOB_CANCELLED"
)

// noIndex marks errors that do not refer to one input position.
const noIndex = -1

// Static errors for request validation and admission.
var (
	// ErrNoImages is returned when a job has no images.
	ErrNoImages = errors.New("at least one image is required")
	// ErrTooManyImages is returned when a job exceeds the image limit.
	ErrTooManyImages = errors.New("too many images")
	// ErrInvalidURL is returned when a source is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid URL")
	// ErrServerBusy is returned when the job is refused for load reasons.
	ErrServerBusy = errors.New("server busy")
	// ErrJobRunning is returned when deleting the record of a running job.
	ErrJobRunning = errors.New("job is still running")
)

// Error is a job-level failure carrying its kind and the offending resource.
type Error struct {
	// JobID is empty for requests rejected before a job was created.
	JobID string
	Kind  ErrorKind
	// Resource is the URL involved, if any.
	Resource string
	// Index is the input image position, or -1.
	Index int
	Err   error
}

func newError(kind ErrorKind, resource string, index int, err error) *Error {
	return &Error{Kind: kind, Resource: resource, Index: index, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Index >= 0 {
		msg += fmt.Sprintf(" [image %d]", e.Index)
	}
	if e.Resource != "" {
		msg += " " + e.Resource
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HasIndex reports whether the error refers to an input image position.
func (e *Error) HasIndex() bool {
	return e.Index >= 0
}

// Failure converts the error to the form stored on the Job.
func (e *Error) Failure() Failure {
	f := Failure{Kind: e.Kind, Resource: e.Resource}
	if e.HasIndex() {
		idx := e.Index
		f.Index = &idx
	}
	if e.Err != nil {
		f.Message = e.Err.Error()
	}
	return f
}
