// Package bootstrap provides dependency initialization for the slideshow service.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bobbylastro/FFMPEG-Propre/internal/config"
	"github.com/bobbylastro/FFMPEG-Propre/internal/fetch"
	"github.com/bobbylastro/FFMPEG-Propre/internal/job"
	"github.com/bobbylastro/FFMPEG-Propre/internal/media"
	"github.com/bobbylastro/FFMPEG-Propre/internal/storage"
	"github.com/bobbylastro/FFMPEG-Propre/internal/sysload"
	"github.com/bobbylastro/FFMPEG-Propre/internal/workspace"
)

const redisPingTimeout = 5 * time.Second

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	VideoService *job.SlideshowService
	Workspaces   *workspace.Manager
	Gate         *sysload.Gate
	// VideosDir is served under /videos/. Empty when videos go to S3.
	VideosDir string

	closers []func() error
}

// Close releases connections opened by NewDependencies.
func (d *Dependencies) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	store, videosDir, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.VideosDir = videosDir

	repo, err := deps.initRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewManager(cfg.TempDir, logger)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("create workspace manager: %w", err)
	}
	deps.Workspaces = workspaces

	fetcher := fetch.NewFetcher(
		fetch.WithTimeout(cfg.FetchTimeout),
		fetch.WithConcurrency(cfg.FetchConcurrency),
		fetch.WithMaxRetries(cfg.FetchMaxRetries),
		fetch.WithMaxBytes(cfg.MaxAssetBytes),
		fetch.WithLogger(logger),
	)

	processor := media.NewFFmpegProcessor(cfg.FFmpegPath,
		media.WithFFprobePath(cfg.FFprobePath),
		media.WithEncoderTimeout(cfg.EncoderTimeout),
		media.WithProbeTimeout(cfg.ProbeTimeout),
		media.WithLogger(logger),
	)

	deps.Gate = sysload.NewGate(cfg.MaxCPUPercent)

	deps.VideoService = job.NewSlideshowService(job.Dependencies{
		Repo:       repo,
		Fetcher:    fetcher,
		Processor:  processor,
		Workspaces: workspaces,
		Storage:    store,
		Gate:       deps.Gate,
	},
		job.WithLogger(logger),
		job.WithDurationPolicy(job.DurationPolicy{
			Default: cfg.DefaultSecondsPerImage,
			Min:     cfg.MinSecondsPerImage,
			Max:     cfg.MaxSecondsPerImage,
		}),
		job.WithVideoFormat(cfg.VideoWidth, cfg.VideoHeight, cfg.VideoFPS),
		job.WithRenderConcurrency(cfg.RenderConcurrency),
		job.WithMaxImages(cfg.MaxImages),
		job.WithMaxConcurrentJobs(cfg.MaxConcurrentJobs),
		job.WithJobTimeout(cfg.JobTimeout),
		job.WithPurgeOutputs(strings.EqualFold(cfg.OutputRetention, config.RetentionLatest)),
	)

	return deps, nil
}

// initStorage creates the appropriate storage backend based on configuration.
// The returned directory is the one to serve over HTTP, if any.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, string, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(ctx, s3Cfg)
		if err != nil {
			return nil, "", fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, "", nil
	}

	localStore, err := storage.NewLocalStorage(cfg.OutputDir)
	if err != nil {
		return nil, "", fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("output_dir", localStore.OutputDir()),
	)
	return localStore, localStore.OutputDir(), nil
}

// initRepository returns a redis repository when REDIS_ADDR is set and an
// in-memory one otherwise.
func (d *Dependencies) initRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Repository, error) {
	if !cfg.RedisEnabled() {
		logger.Info("in-memory job records configured")
		return job.NewMemoryRepository(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	d.closers = append(d.closers, client.Close)

	logger.Info("redis job records configured",
		slog.String("addr", cfg.RedisAddr),
		slog.Duration("ttl", cfg.JobTTL),
	)
	return job.NewRedisRepository(client, cfg.JobTTL), nil
}
