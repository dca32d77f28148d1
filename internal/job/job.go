// Package job provides the Job aggregate for slideshow video jobs and the
// SlideshowService that runs them: fetch assets, allocate durations,
// render segments, concatenate, publish and clean up.
package job

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/bobbylastro/FFMPEG-Propre/internal/job/id"
)

// Stage is the pipeline step a job is in.
type Stage string

const (
	// StageIdle indicates the job was created and has not started work.
	StageIdle Stage = "IDLE"
	// StageFetching indicates assets are being downloaded.
	StageFetching Stage = "FETCHING"
	// StageAllocating indicates the per-image duration is being computed.
	StageAllocating Stage = "ALLOCATING"
	// StageRendering indicates segments are being rendered.
	StageRendering Stage = "RENDERING"
	// StageConcatenating indicates segments are being joined and published.
	StageConcatenating Stage = "CONCATENATING"
	// StageCleaning indicates the workspace is being removed.
	StageCleaning Stage = "CLEANING"
	// StageDone indicates the job is finished, successfully or not.
	StageDone Stage = "DONE"
)

// Status represents the outcome of a Job.
type Status string

const (
	// StatusRunning indicates the pipeline has not finished.
	StatusRunning Status = "RUNNING"
	// StatusSucceeded indicates a video was published.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed indicates the job stopped on an error.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when an invalid stage transition is attempted.
var ErrInvalidTransition = errors.New("invalid stage transition")

// validTransitions defines which stage transitions are allowed.
// Every working stage may bail out to cleaning.
var validTransitions = map[Stage][]Stage{
	StageIdle:          {StageFetching, StageCleaning},
	StageFetching:      {StageAllocating, StageCleaning},
	StageAllocating:    {StageRendering, StageCleaning},
	StageRendering:     {StageConcatenating, StageCleaning},
	StageConcatenating: {StageCleaning},
	StageCleaning:      {StageDone},
	StageDone:          {},
}

// canTransition checks if a transition from one stage to another is valid.
func canTransition(from, to Stage) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// SegmentStatus represents the status of a single rendered segment.
type SegmentStatus string

const (
	// SegmentPending indicates the segment has not been rendered yet.
	SegmentPending SegmentStatus = "PENDING"
	// SegmentRendered indicates the encoder produced the segment.
	SegmentRendered SegmentStatus = "RENDERED"
	// SegmentFailed indicates the encoder failed on this segment.
	SegmentFailed SegmentStatus = "FAILED"
)

// Segment is the clip rendered from one input image.
type Segment struct {
	// Index is the position of the source image, 0-based.
	Index int `json:"index"`
	// Source is the image URL.
	Source string `json:"source"`
	// ImagePath is the downloaded image inside the workspace.
	ImagePath string `json:"image_path,omitempty"`
	// Path is the rendered clip inside the workspace.
	Path string `json:"path,omitempty"`
	// Duration is the clip length in seconds.
	Duration float64 `json:"duration"`
	// Motion names the camera movement.
	Motion string        `json:"motion,omitempty"`
	Status SegmentStatus `json:"status"`
}

// Failure describes why a job failed.
type Failure struct {
	Kind     ErrorKind `json:"kind"`
	Resource string    `json:"resource,omitempty"`
	Index    *int      `json:"index,omitempty"`
	Message  string    `json:"message"`
}

// Job represents one slideshow video request.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string `json:"id"`
	// Images are the source image URLs in slide order.
	Images []string `json:"images"`
	// AudioURL is the optional soundtrack URL.
	AudioURL string `json:"audio_url,omitempty"`
	// Stage is the current pipeline step.
	Stage Stage `json:"stage"`
	// Status is the job outcome.
	Status Status `json:"status"`
	// SecondsPerImage is computed once and shared by every segment.
	SecondsPerImage float64 `json:"seconds_per_image,omitempty"`
	// Segments are indexed like Images.
	Segments []Segment `json:"segments"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// Failure is set when Status is FAILED.
	Failure *Failure `json:"failure,omitempty"`
	// OutputName is the published file name.
	OutputName string `json:"output_name,omitempty"`
	// VideoURL is the public URL of the published video.
	VideoURL string `json:"video_url,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// New creates a new Job with a generated ID in the IDLE stage.
func New(images []string, audioURL string) *Job {
	return NewWithID(id.Generate(), images, audioURL)
}

// NewWithID creates a new Job with the specified ID in the IDLE stage.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(jobID string, images []string, audioURL string) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Images:    slices.Clone(images),
		AudioURL:  audioURL,
		Stage:     StageIdle,
		Status:    StatusRunning,
		Segments:  make([]Segment, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasAudio reports whether the job has a soundtrack.
func (j *Job) HasAudio() bool {
	return j.AudioURL != ""
}

// TransitionTo moves the job to the given stage.
// Returns ErrInvalidTransition if the transition is not allowed.
// Reaching DONE settles Status: FAILED if a failure was recorded,
// SUCCEEDED otherwise.
func (j *Job) TransitionTo(stage Stage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Stage, stage) {
		return ErrInvalidTransition
	}

	j.Stage = stage
	j.UpdatedAt = time.Now()

	switch stage {
	case StageFetching:
		j.StartedAt = j.UpdatedAt
	case StageDone:
		j.CompletedAt = j.UpdatedAt
		if j.Failure != nil {
			j.Status = StatusFailed
		} else {
			j.Status = StatusSucceeded
			j.Progress = 100
		}
	}

	return nil
}

// Fail records the failure. The job keeps running through cleanup and
// becomes FAILED when it reaches DONE. The first failure wins.
func (j *Job) Fail(f Failure) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Failure != nil {
		return
	}
	j.Failure = &f
	j.UpdatedAt = time.Now()
}

// GetStage returns the current stage (thread-safe).
func (j *Job) GetStage() Stage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Stage
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetSecondsPerImage stores the allocated per-image duration.
func (j *Job) SetSecondsPerImage(seconds float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.SecondsPerImage = seconds
	j.UpdatedAt = time.Now()
}

// SetSegments sets the segments for this job.
func (j *Job) SetSegments(segments []Segment) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Segments = segments
	j.UpdatedAt = time.Now()
}

// UpdateSegment updates a specific segment by index.
func (j *Job) UpdateSegment(index int, segment Segment) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if index >= 0 && index < len(j.Segments) {
		j.Segments[index] = segment
		j.UpdatedAt = time.Now()
	}
}

// UpdateProgress sets the progress percentage (0-100).
func (j *Job) UpdateProgress(progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	j.UpdatedAt = time.Now()
}

// SetOutput sets the published file name and its public URL.
func (j *Job) SetOutput(outputName, videoURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputName = outputName
	j.VideoURL = videoURL
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is done.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Stage == StageDone
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var failure *Failure
	if j.Failure != nil {
		f := *j.Failure
		if f.Index != nil {
			idx := *f.Index
			f.Index = &idx
		}
		failure = &f
	}

	return &Job{
		ID:              j.ID,
		Images:          slices.Clone(j.Images),
		AudioURL:        j.AudioURL,
		Stage:           j.Stage,
		Status:          j.Status,
		SecondsPerImage: j.SecondsPerImage,
		Segments:        slices.Clone(j.Segments),
		Progress:        j.Progress,
		Failure:         failure,
		OutputName:      j.OutputName,
		VideoURL:        j.VideoURL,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
