package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Static errors for media operations.
var (
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrInvalidProbeOutput is returned when ffprobe prints no usable duration.
	ErrInvalidProbeOutput = errors.New("ffprobe returned no usable duration")
)

// Default timeouts for encoder invocations.
const (
	DefaultEncoderTimeout = 10 * time.Minute
	DefaultProbeTimeout   = 30 * time.Second
)

// FFmpegProcessor implements Processor using the ffmpeg CLI.
type FFmpegProcessor struct {
	commands       CommandBuilder
	encoderTimeout time.Duration
	probeTimeout   time.Duration
	logger         *slog.Logger
}

// Option configures an FFmpegProcessor.
type Option func(*FFmpegProcessor)

// WithFFprobePath sets the ffprobe binary.
func WithFFprobePath(path string) Option {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.commands.FFprobePath = path
		}
	}
}

// WithEncoderTimeout bounds every render and concat invocation.
func WithEncoderTimeout(d time.Duration) Option {
	return func(p *FFmpegProcessor) {
		if d > 0 {
			p.encoderTimeout = d
		}
	}
}

// WithProbeTimeout bounds every probe invocation.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *FFmpegProcessor) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *FFmpegProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string, opts ...Option) *FFmpegProcessor {
	p := &FFmpegProcessor{
		commands:       NewCommandBuilder(ffmpegPath, ""),
		encoderTimeout: DefaultEncoderTimeout,
		probeTimeout:   DefaultProbeTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProbeDuration returns the duration in seconds of a media file.
func (p *FFmpegProcessor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd, err := p.commands.ProbeDurationCommand(path)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	stdout, err := p.run(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFFprobeExecution, err)
	}
	return parseDuration(stdout)
}

// parseDuration reads the single number ffprobe prints. Streams without a
// container duration print "N/A".
func parseDuration(out string) (float64, error) {
	raw := strings.TrimSpace(out)
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidProbeOutput, raw)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidProbeOutput, raw)
	}
	return d, nil
}

// RenderSegment creates a video from a still image with zoom/pan motion.
func (p *FFmpegProcessor) RenderSegment(ctx context.Context, spec RenderSpec) error {
	cmd, err := p.commands.RenderSegmentCommand(spec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.encoderTimeout)
	defer cancel()

	p.logger.Debug("rendering segment",
		slog.String("image", spec.ImagePath),
		slog.String("motion", spec.Motion.String()),
		slog.Int("frames", spec.Frames()),
	)
	_, err = p.run(ctx, cmd)
	return err
}

// Concat joins the segments listed in spec into spec.OutputPath.
// A failed run never leaves a partial file at OutputPath.
func (p *FFmpegProcessor) Concat(ctx context.Context, spec ConcatSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}

	if err := writeConcatList(spec.ListPath, spec.SegmentPaths); err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.encoderTimeout)
	defer cancel()

	// Try fast copy first (no re-encoding)
	err := p.concatWith(ctx, spec, true)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		_ = os.Remove(spec.OutputPath)
		return err
	}

	p.logger.Warn("stream copy concat failed, re-encoding", slog.String("error", err.Error()))
	if err := p.concatWith(ctx, spec, false); err != nil {
		_ = os.Remove(spec.OutputPath)
		return err
	}
	return nil
}

func (p *FFmpegProcessor) concatWith(ctx context.Context, spec ConcatSpec, copyVideo bool) error {
	cmd, err := p.commands.ConcatCommand(spec, copyVideo)
	if err != nil {
		return err
	}
	_, err = p.run(ctx, cmd)
	return err
}

// writeConcatList writes the list file in the format required by ffmpeg's
// concat demuxer, one absolute path per line in playback order.
func writeConcatList(listPath string, segmentPaths []string) error {
	var buf bytes.Buffer
	for _, path := range segmentPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("get absolute path for %s: %w", path, err)
		}
		// Escape single quotes in path
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		fmt.Fprintf(&buf, "file '%s'\n", escapedPath)
	}
	return os.WriteFile(listPath, buf.Bytes(), 0600)
}

// run executes cmd and returns its stdout. Failures carry stderr.
func (p *FFmpegProcessor) run(ctx context.Context, c Command) (string, error) {
	// #nosec G204 - binaries come from configuration, arguments from CommandBuilder
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Check if context was cancelled or timed out
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s cancelled: %w", filepath.Base(c.Binary), ctx.Err())
		}
		return "", &FFmpegError{
			Args:   c.Args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return stdout.String(), nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
