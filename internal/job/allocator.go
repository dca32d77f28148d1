package job

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidAudioDuration is returned when a probed duration is not a
// positive finite number.
var ErrInvalidAudioDuration = errors.New("invalid audio duration")

// DurationPolicy decides how long each image stays on screen.
type DurationPolicy struct {
	// Default applies when the job has no audio.
	Default float64
	// Min and Max bound the audio-derived duration.
	Min float64
	Max float64
}

// DefaultDurationPolicy returns 5s per image without audio and [1s, 20s]
// with audio.
func DefaultDurationPolicy() DurationPolicy {
	return DurationPolicy{Default: 5, Min: 1, Max: 20}
}

// Allocate computes the single per-image duration for a job.
// Without audio it is Default. With audio it is audioSeconds/imageCount
// clamped to [Min, Max].
func (p DurationPolicy) Allocate(imageCount int, audioSeconds float64, hasAudio bool) (float64, error) {
	if imageCount <= 0 {
		return 0, ErrNoImages
	}
	if !hasAudio {
		return p.Default, nil
	}
	if math.IsNaN(audioSeconds) || math.IsInf(audioSeconds, 0) || audioSeconds <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAudioDuration, audioSeconds)
	}
	return clamp(audioSeconds/float64(imageCount), p.Min, p.Max), nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
