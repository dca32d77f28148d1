package media

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Static errors for command construction.
var (
	// ErrInvalidDimensions is returned when the provided dimensions are not positive.
	ErrInvalidDimensions = errors.New("invalid dimensions: width and height must be positive and even")
	// ErrInvalidDuration is returned when duration is not positive.
	ErrInvalidDuration = errors.New("invalid duration: must be positive")
	// ErrInvalidFPS is returned when the frame rate is not positive.
	ErrInvalidFPS = errors.New("invalid frame rate: must be positive")
	// ErrNoSegments is returned when no segment paths are provided for concatenation.
	ErrNoSegments = errors.New("no segment paths provided")
	// ErrMissingPath is returned when a required input or output path is empty.
	ErrMissingPath = errors.New("missing path")
)

// Command is one fully-formed encoder invocation.
type Command struct {
	Binary string
	Args   []string
}

// String renders the command for logs.
func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Binary, c.Args)
}

// Motion selects the camera movement applied to a still image.
type Motion int

const (
	MotionZoomIn Motion = iota
	MotionZoomOut
	MotionPanRight
	MotionPanLeft
)

var motionNames = [...]string{"zoom-in", "zoom-out", "pan-right", "pan-left"}

func (m Motion) String() string {
	if m < 0 || int(m) >= len(motionNames) {
		return "motion(" + strconv.Itoa(int(m)) + ")"
	}
	return motionNames[m]
}

// MotionForIndex picks the motion for the image at position index.
// Motions cycle so neighbouring slides never move the same way.
func MotionForIndex(index int) Motion {
	if index < 0 {
		index = -index
	}
	return Motion(index % len(motionNames))
}

// maxZoom is the zoom factor reached at the end of a zoom-in and used
// as the constant crop factor while panning.
const maxZoom = 1.2

// RenderSpec describes one Ken Burns segment.
type RenderSpec struct {
	ImagePath  string
	OutputPath string
	Duration   float64 // seconds
	Width      int
	Height     int
	FPS        int
	Motion     Motion
}

// Frames returns the total number of output frames, never less than one.
func (s RenderSpec) Frames() int {
	n := int(math.Round(s.Duration * float64(s.FPS)))
	if n < 1 {
		return 1
	}
	return n
}

func (s RenderSpec) validate() error {
	if s.ImagePath == "" || s.OutputPath == "" {
		return fmt.Errorf("%w: image=%q output=%q", ErrMissingPath, s.ImagePath, s.OutputPath)
	}
	if !(s.Duration > 0) {
		return fmt.Errorf("%w: got %.2f", ErrInvalidDuration, s.Duration)
	}
	if s.Width <= 0 || s.Height <= 0 || s.Width%2 != 0 || s.Height%2 != 0 {
		return fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, s.Width, s.Height)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidFPS, s.FPS)
	}
	return nil
}

// ConcatSpec describes the final assembly of segments and optional audio.
type ConcatSpec struct {
	SegmentPaths []string // in playback order
	AudioPath    string   // empty when the job has no audio
	OutputPath   string
	ListPath     string // concat demuxer list file, written by Concat
	FPS          int
}

func (s ConcatSpec) validate() error {
	if len(s.SegmentPaths) == 0 {
		return ErrNoSegments
	}
	if s.OutputPath == "" || s.ListPath == "" {
		return fmt.Errorf("%w: output=%q list=%q", ErrMissingPath, s.OutputPath, s.ListPath)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidFPS, s.FPS)
	}
	return nil
}

// CommandBuilder turns specs into encoder invocations.
// It never touches the filesystem.
type CommandBuilder struct {
	FFmpegPath  string
	FFprobePath string
}

// NewCommandBuilder creates a CommandBuilder, defaulting empty paths to
// the binaries found via PATH.
func NewCommandBuilder(ffmpegPath, ffprobePath string) CommandBuilder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return CommandBuilder{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// ProbeDurationCommand prints the container duration in seconds on stdout.
func (b CommandBuilder) ProbeDurationCommand(path string) (Command, error) {
	if path == "" {
		return Command{}, fmt.Errorf("%w: probe input", ErrMissingPath)
	}
	return Command{
		Binary: b.FFprobePath,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		},
	}, nil
}

// RenderSegmentCommand builds the invocation producing one segment.
//
// The still image enters as a single frame. zoompan emits exactly
// Frames() frames from it (d=N), and the motion expressions are written in
// terms of the output frame number "on" and N, so the traversal always
// completes whatever the duration.
func (b CommandBuilder) RenderSegmentCommand(spec RenderSpec) (Command, error) {
	if err := spec.validate(); err != nil {
		return Command{}, err
	}
	frames := spec.Frames()

	args := []string{
		"-y",
		"-i", spec.ImagePath,
		"-vf", renderFilter(spec, frames),
		"-frames:v", strconv.Itoa(frames),
		"-r", strconv.Itoa(spec.FPS),
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-an",
		spec.OutputPath,
	}
	return Command{Binary: b.FFmpegPath, Args: args}, nil
}

// renderFilter fits the image into a canvas twice the target size (less
// jitter in zoompan), applies the motion and normalises pixel format.
func renderFilter(spec RenderSpec, frames int) string {
	cw, ch := spec.Width*2, spec.Height*2
	fit := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black,setsar=1",
		cw, ch, cw, ch)

	z, x, y := motionExpr(spec.Motion, frames)
	zoompan := fmt.Sprintf("zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
		z, x, y, frames, spec.Width, spec.Height, spec.FPS)

	return fit + "," + zoompan + ",format=yuv420p"
}

// motionExpr returns the zoompan z, x and y expressions. progress runs
// from 0 on the first frame to 1 on the last.
func motionExpr(m Motion, frames int) (z, x, y string) {
	last := frames - 1
	if last < 1 {
		last = 1
	}
	progress := fmt.Sprintf("(on/%d)", last)
	zoomDelta := strconv.FormatFloat(maxZoom-1, 'f', -1, 64)
	zoomMax := strconv.FormatFloat(maxZoom, 'f', -1, 64)

	centerX := "iw/2-(iw/zoom/2)"
	centerY := "ih/2-(ih/zoom/2)"

	switch m {
	case MotionZoomOut:
		return zoomMax + "-" + zoomDelta + "*" + progress, centerX, centerY
	case MotionPanRight:
		return zoomMax, "(iw-iw/zoom)*" + progress, centerY
	case MotionPanLeft:
		return zoomMax, "(iw-iw/zoom)*(1-" + progress + ")", centerY
	default:
		return "1+" + zoomDelta + "*" + progress, centerX, centerY
	}
}

// ConcatCommand builds the final assembly invocation. With copyVideo the
// segment stream is copied as-is; otherwise it is re-encoded with the same
// codec, pixel format and frame rate the renderer uses.
func (b CommandBuilder) ConcatCommand(spec ConcatSpec, copyVideo bool) (Command, error) {
	if err := spec.validate(); err != nil {
		return Command{}, err
	}

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", spec.ListPath,
	}
	if spec.AudioPath != "" {
		args = append(args, "-i", spec.AudioPath)
	}

	args = append(args, "-map", "0:v:0")
	if spec.AudioPath != "" {
		args = append(args, "-map", "1:a:0")
	}

	if copyVideo {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", "23",
			"-pix_fmt", "yuv420p",
			"-r", strconv.Itoa(spec.FPS),
		)
	}

	if spec.AudioPath != "" {
		args = append(args,
			"-c:a", "aac",
			"-b:a", "128k",
			"-shortest",
		)
	}

	args = append(args, "-movflags", "+faststart", spec.OutputPath)
	return Command{Binary: b.FFmpegPath, Args: args}, nil
}
