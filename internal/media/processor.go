// Package media drives the external ffmpeg/ffprobe binaries that do the
// pixel and audio work for slideshow jobs.
package media

import "context"

// Processor defines the encoder operations a slideshow job needs.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Processor interface {
	// ProbeDuration returns the total duration in seconds of a media file.
	// It is a read-only metadata query.
	ProbeDuration(ctx context.Context, path string) (float64, error)

	// RenderSegment produces one motion video segment from a still image.
	RenderSegment(ctx context.Context, spec RenderSpec) error

	// Concat joins the segments in order, muxing in the optional audio and
	// trimming to the shorter stream. It first attempts a stream copy of the
	// video and falls back to re-encoding if the copy fails.
	Concat(ctx context.Context, spec ConcatSpec) error
}
