// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Output retention policies.
const (
	// RetentionLatest removes previously published videos before a new job
	// starts, so the output directory holds at most one video.
	RetentionLatest = "latest"
	// RetentionKeep keeps every published video.
	RetentionKeep = "keep"
)

// Static errors for configuration validation.
var (
	// ErrInvalidRetention is returned when OUTPUT_RETENTION is not a known policy.
	ErrInvalidRetention = errors.New("config: OUTPUT_RETENTION must be \"latest\" or \"keep\"")
	// ErrInvalidDurationBounds is returned when the seconds-per-image bounds are inconsistent.
	ErrInvalidDurationBounds = errors.New("config: seconds per image requires 0 < MIN <= DEFAULT <= MAX")
	// ErrInvalidVideoFormat is returned when the output resolution or frame rate is not positive.
	ErrInvalidVideoFormat = errors.New("config: VIDEO_WIDTH, VIDEO_HEIGHT and VIDEO_FPS must be positive")
	// ErrOddVideoDimensions is returned when VIDEO_WIDTH or VIDEO_HEIGHT is odd.
	// yuv420p output needs even dimensions.
	ErrOddVideoDimensions = errors.New("config: VIDEO_WIDTH and VIDEO_HEIGHT must be even")
	// ErrInvalidConcurrency is returned when a concurrency limit is below 1.
	ErrInvalidConcurrency = errors.New("config: concurrency limits must be at least 1")
	// ErrInvalidJobTimeout is returned when JOB_TIMEOUT is not positive.
	ErrInvalidJobTimeout = errors.New("config: JOB_TIMEOUT must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port          int    `env:"PORT, default=8080" json:"port"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" json:"public_base_url,omitempty"`

	// Filesystem settings
	TempDir         string        `env:"TEMP_DIR, default=/tmp/slideshow" json:"temp_dir"`
	OutputDir       string        `env:"OUTPUT_DIR, default=public/videos" json:"output_dir"`
	OutputRetention string        `env:"OUTPUT_RETENTION, default=latest" json:"output_retention"`
	WorkspaceMaxAge time.Duration `env:"WORKSPACE_MAX_AGE, default=1h" json:"workspace_max_age"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL, default=15m" json:"janitor_interval"`

	// Job settings
	MaxConcurrentJobs int     `env:"MAX_CONCURRENT_JOBS, default=1" json:"max_concurrent_jobs"`
	MaxImages         int     `env:"MAX_IMAGES, default=200" json:"max_images"`
	MaxCPUPercent     float64 `env:"MAX_CPU_PERCENT, default=0" json:"max_cpu_percent"`
	// JobTimeout bounds a whole job, including the wait for a job slot.
	JobTimeout time.Duration `env:"JOB_TIMEOUT, default=30m" json:"job_timeout"`

	// Download settings
	FetchConcurrency int           `env:"FETCH_CONCURRENCY, default=4" json:"fetch_concurrency"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT, default=30s" json:"fetch_timeout"`
	FetchMaxRetries  int           `env:"FETCH_MAX_RETRIES, default=0" json:"fetch_max_retries"`
	MaxAssetBytes    int64         `env:"MAX_ASSET_BYTES, default=52428800" json:"max_asset_bytes"`

	// Encoder settings
	FFmpegPath        string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath       string        `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	RenderConcurrency int           `env:"RENDER_CONCURRENCY, default=2" json:"render_concurrency"`
	EncoderTimeout    time.Duration `env:"ENCODER_TIMEOUT, default=10m" json:"encoder_timeout"`
	ProbeTimeout      time.Duration `env:"PROBE_TIMEOUT, default=30s" json:"probe_timeout"`
	VideoWidth        int           `env:"VIDEO_WIDTH, default=1280" json:"video_width"`
	VideoHeight       int           `env:"VIDEO_HEIGHT, default=720" json:"video_height"`
	VideoFPS          int           `env:"VIDEO_FPS, default=30" json:"video_fps"`

	// Duration allocation, in seconds per image
	DefaultSecondsPerImage float64 `env:"DEFAULT_SECONDS_PER_IMAGE, default=5" json:"default_seconds_per_image"`
	MinSecondsPerImage     float64 `env:"MIN_SECONDS_PER_IMAGE, default=1" json:"min_seconds_per_image"`
	MaxSecondsPerImage     float64 `env:"MAX_SECONDS_PER_IMAGE, default=20" json:"max_seconds_per_image"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Prefix           string `env:"S3_PREFIX, default=videos" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Optional Redis settings for job records
	RedisAddr     string        `env:"REDIS_ADDR" json:"redis_addr,omitempty"`
	RedisPassword string        `env:"REDIS_PASSWORD" json:"-"` // Masked in JSON
	RedisDB       int           `env:"REDIS_DB, default=0" json:"redis_db"`
	JobTTL        time.Duration `env:"JOB_TTL, default=24h" json:"job_ttl"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RedisEnabled returns true if a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration values are consistent.
func (c *Config) Validate() error {
	switch strings.ToLower(c.OutputRetention) {
	case RetentionLatest, RetentionKeep:
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidRetention, c.OutputRetention)
	}
	if c.MinSecondsPerImage <= 0 ||
		c.MinSecondsPerImage > c.DefaultSecondsPerImage ||
		c.DefaultSecondsPerImage > c.MaxSecondsPerImage {
		return fmt.Errorf("%w: min=%g default=%g max=%g", ErrInvalidDurationBounds,
			c.MinSecondsPerImage, c.DefaultSecondsPerImage, c.MaxSecondsPerImage)
	}
	if c.VideoWidth <= 0 || c.VideoHeight <= 0 || c.VideoFPS <= 0 {
		return ErrInvalidVideoFormat
	}
	if c.VideoWidth%2 != 0 || c.VideoHeight%2 != 0 {
		return fmt.Errorf("%w: got %dx%d", ErrOddVideoDimensions, c.VideoWidth, c.VideoHeight)
	}
	if c.MaxConcurrentJobs < 1 || c.FetchConcurrency < 1 || c.RenderConcurrency < 1 || c.MaxImages < 1 {
		return ErrInvalidConcurrency
	}
	if c.JobTimeout <= 0 {
		return ErrInvalidJobTimeout
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, TempDir: %s, OutputDir: %s, OutputRetention: %s, MaxConcurrentJobs: %d, FetchConcurrency: %d, RenderConcurrency: %d, Video: %dx%d@%d, SecondsPerImage: %g[%g,%g], S3Bucket: %s, S3Region: %s, RedisAddr: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.OutputDir,
		c.OutputRetention,
		c.MaxConcurrentJobs,
		c.FetchConcurrency,
		c.RenderConcurrency,
		c.VideoWidth, c.VideoHeight, c.VideoFPS,
		c.DefaultSecondsPerImage, c.MinSecondsPerImage, c.MaxSecondsPerImage,
		c.S3Bucket,
		c.S3Region,
		c.RedisAddr,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
