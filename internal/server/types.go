// Package server provides the HTTP boundary of the slideshow service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// CreateVideoRequest is the HTTP request body for POST /create-video.
type CreateVideoRequest struct {
	// Images are the source image URLs in slide order.
	Images []string `json:"images" validate:"required,min=1,dive,required,url"`
	// Audio is the optional soundtrack URL.
	Audio string `json:"audio" validate:"omitempty,url"`
	// AudioURL is accepted as an alias of Audio.
	AudioURL string `json:"audio_url" validate:"omitempty,url"`
}

// audioURL returns the soundtrack, preferring the "audio" field.
func (r CreateVideoRequest) audioURL() string {
	if r.Audio != "" {
		return r.Audio
	}
	return r.AudioURL
}

// CreateVideoResponse is returned when the video was published.
type CreateVideoResponse struct {
	// VideoURL is the public URL of the finished video.
	VideoURL string `json:"videoUrl"`
	// JobID identifies the job record.
	JobID string `json:"jobId"`
	// SecondsPerImage is the duration each image was shown.
	SecondsPerImage float64 `json:"secondsPerImage"`
	// Segments is the number of rendered segments.
	Segments int `json:"segments"`
}

// JobFailureResponse is returned when a job failed. It carries enough
// detail to diagnose the failure without server logs.
type JobFailureResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	JobID    string `json:"job_id,omitempty"`
	Resource string `json:"resource,omitempty"`
	Index    *int   `json:"index,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// SegmentResponse describes one segment of a job.
type SegmentResponse struct {
	Index    int     `json:"index"`
	Source   string  `json:"source"`
	Duration float64 `json:"duration"`
	Motion   string  `json:"motion,omitempty"`
	Status   string  `json:"status"`
}

// FailureResponse describes why a job failed.
type FailureResponse struct {
	Code     string `json:"code"`
	Resource string `json:"resource,omitempty"`
	Index    *int   `json:"index,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Stage           string            `json:"stage"`
	Progress        int               `json:"progress"`
	Images          int               `json:"images"`
	HasAudio        bool              `json:"has_audio"`
	SecondsPerImage float64           `json:"seconds_per_image,omitempty"`
	Segments        []SegmentResponse `json:"segments,omitempty"`
	Failure         *FailureResponse  `json:"failure,omitempty"`
	VideoURL        string            `json:"video_url,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// JobListResponse is the HTTP response for listing jobs.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// CPUPercent is the host CPU usage, when it can be sampled.
	CPUPercent *float64 `json:"cpu_percent,omitempty"`
}
