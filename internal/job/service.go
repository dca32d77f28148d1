package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobbylastro/FFMPEG-Propre/internal/fetch"
	"github.com/bobbylastro/FFMPEG-Propre/internal/job/id"
	"github.com/bobbylastro/FFMPEG-Propre/internal/media"
	"github.com/bobbylastro/FFMPEG-Propre/internal/storage"
	"github.com/bobbylastro/FFMPEG-Propre/internal/workspace"
)

// Progress checkpoints. Rendering fills the range between allocated and rendered.
const (
	progressFetched   = 20
	progressAllocated = 25
	progressRendered  = 85
	progressConcat    = 95
)

// DefaultJobTimeout bounds a job when WithJobTimeout is not given.
const DefaultJobTimeout = 30 * time.Minute

// Workspace file names.
const (
	outputFile = "output.mp4"
	listFile   = "segments.txt"
)

// AssetFetcher downloads job assets.
type AssetFetcher interface {
	FetchAll(ctx context.Context, sources []fetch.Source, dir string) ([]fetch.Asset, error)
	Fetch(ctx context.Context, src fetch.Source, dir string) (fetch.Asset, error)
}

// Admitter refuses jobs while the host is overloaded.
type Admitter interface {
	Admit(ctx context.Context) error
}

// CreateVideoInput contains the input parameters for a slideshow job.
type CreateVideoInput struct {
	// Images are the source image URLs in slide order.
	Images []string
	// AudioURL is the optional soundtrack.
	AudioURL string
	// BaseURL is the public root of this service, used for locally
	// served videos.
	BaseURL string
}

// CreateVideoOutput contains the result of a successful job.
type CreateVideoOutput struct {
	JobID           string
	VideoURL        string
	OutputName      string
	SecondsPerImage float64
	Segments        int
}

// Dependencies are the collaborators of SlideshowService.
type Dependencies struct {
	Repo       Repository
	Fetcher    AssetFetcher
	Processor  media.Processor
	Workspaces *workspace.Manager
	Storage    storage.Storage
	// Gate is optional.
	Gate Admitter
}

// SlideshowService runs slideshow jobs end to end.
type SlideshowService struct {
	repo       Repository
	fetcher    AssetFetcher
	processor  media.Processor
	workspaces *workspace.Manager
	storage    storage.Storage
	gate       Admitter
	logger     *slog.Logger

	policy            DurationPolicy
	width, height     int
	fps               int
	renderConcurrency int
	maxImages         int
	purgeOutputs      bool
	jobTimeout        time.Duration
	slots             chan struct{}
}

// Option configures a SlideshowService.
type Option func(*SlideshowService)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SlideshowService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDurationPolicy sets the per-image duration policy.
func WithDurationPolicy(p DurationPolicy) Option {
	return func(s *SlideshowService) {
		s.policy = p
	}
}

// WithVideoFormat sets the output resolution and frame rate.
func WithVideoFormat(width, height, fps int) Option {
	return func(s *SlideshowService) {
		if width > 0 && height > 0 && fps > 0 {
			s.width, s.height, s.fps = width, height, fps
		}
	}
}

// WithRenderConcurrency bounds the number of segments rendered at once.
func WithRenderConcurrency(n int) Option {
	return func(s *SlideshowService) {
		if n > 0 {
			s.renderConcurrency = n
		}
	}
}

// WithMaxImages caps the number of images per job.
func WithMaxImages(n int) Option {
	return func(s *SlideshowService) {
		if n > 0 {
			s.maxImages = n
		}
	}
}

// WithMaxConcurrentJobs sets how many jobs may run at once.
// Ignored when outputs are purged before each job.
func WithMaxConcurrentJobs(n int) Option {
	return func(s *SlideshowService) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

// WithJobTimeout bounds a whole CreateVideo call, including the wait for
// a job slot.
func WithJobTimeout(d time.Duration) Option {
	return func(s *SlideshowService) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithPurgeOutputs removes previously published videos before each job.
// Purging would delete another job's output, so it forces jobs to run
// one at a time.
func WithPurgeOutputs(purge bool) Option {
	return func(s *SlideshowService) {
		s.purgeOutputs = purge
	}
}

// NewSlideshowService creates a new SlideshowService.
func NewSlideshowService(deps Dependencies, opts ...Option) *SlideshowService {
	s := &SlideshowService{
		repo:              deps.Repo,
		fetcher:           deps.Fetcher,
		processor:         deps.Processor,
		workspaces:        deps.Workspaces,
		storage:           deps.Storage,
		gate:              deps.Gate,
		logger:            slog.Default(),
		policy:            DefaultDurationPolicy(),
		width:             1280,
		height:            720,
		fps:               30,
		renderConcurrency: 2,
		maxImages:         200,
		jobTimeout:        DefaultJobTimeout,
		slots:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.purgeOutputs {
		s.slots = make(chan struct{}, 1)
	}
	return s
}

// GetJob retrieves a job by ID.
func (s *SlideshowService) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if !id.Valid(jobID) {
		return nil, ErrJobNotFound
	}
	return s.repo.FindByID(ctx, jobID)
}

// ListJobs returns the recorded jobs, newest first.
func (s *SlideshowService) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// DeleteJob removes the record of a finished job. The published video is
// left in place.
func (s *SlideshowService) DeleteJob(ctx context.Context, jobID string) error {
	if !id.Valid(jobID) {
		return ErrJobNotFound
	}
	j, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.IsTerminal() {
		return ErrJobRunning
	}
	return s.repo.Delete(ctx, jobID)
}

// CreateVideo runs one job to completion and returns the published video.
// Failures are returned as *Error after the workspace has been removed.
func (s *SlideshowService) CreateVideo(ctx context.Context, input CreateVideoInput) (*CreateVideoOutput, error) {
	if err := s.validate(input); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	if s.gate != nil {
		if err := s.gate.Admit(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrServerBusy, err)
		}
	}

	// Wait for a job slot
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for a job slot: %w", ErrServerBusy, ctx.Err())
	}

	j := New(input.Images, input.AudioURL)
	log := s.logger.With(slog.String("job_id", j.ID))
	log.Info("job started",
		slog.Int("images", len(j.Images)),
		slog.Bool("audio", j.HasAudio()),
	)
	s.save(ctx, j)

	if s.purgeOutputs {
		if n, err := s.storage.Purge(ctx); err != nil {
			log.Warn("failed to purge previous outputs", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Info("purged previous outputs", slog.Int("count", n))
		}
	}

	ws, err := s.workspaces.Acquire(j.ID)
	if err != nil {
		jobErr := newError(KindInternal, "", noIndex, err)
		jobErr.JobID = j.ID
		s.settle(ctx, j, jobErr, log)
		s.advance(context.WithoutCancel(ctx), j, StageDone)
		return nil, jobErr
	}

	start := time.Now()
	var jobErr *Error
	defer func() {
		// Runs on every exit path. A panic is recorded, the workspace is
		// still removed, and the panic continues up the stack.
		r := recover()
		if r != nil {
			jobErr = newError(KindInternal, "", noIndex, fmt.Errorf("panic: %v", r))
		}

		s.settle(ctx, j, jobErr, log)
		s.release(ws, log)
		s.advance(context.WithoutCancel(ctx), j, StageDone)

		if r != nil {
			panic(r)
		}
		if jobErr == nil {
			log.Info("job succeeded",
				slog.String("video_url", j.VideoURL),
				slog.Duration("elapsed", time.Since(start)),
			)
		}
	}()

	jobErr = s.run(ctx, j, ws, input.BaseURL)
	if jobErr != nil && ctx.Err() != nil {
		// Whatever was in flight was interrupted; it did not fail on its own.
		jobErr = newError(KindCancelled, "", noIndex, ctx.Err())
	}
	if jobErr != nil {
		jobErr.JobID = j.ID
		return nil, jobErr
	}

	return &CreateVideoOutput{
		JobID:           j.ID,
		VideoURL:        j.VideoURL,
		OutputName:      j.OutputName,
		SecondsPerImage: j.SecondsPerImage,
		Segments:        len(j.Segments),
	}, nil
}

// run executes the working stages in order and stops at the first failure.
func (s *SlideshowService) run(ctx context.Context, j *Job, ws *workspace.Workspace, baseURL string) *Error {
	s.advance(ctx, j, StageFetching)
	images, audio, err := s.fetchAssets(ctx, j, ws)
	if err != nil {
		return err
	}
	j.UpdateProgress(progressFetched)

	s.advance(ctx, j, StageAllocating)
	if err := s.allocate(ctx, j, audio); err != nil {
		return err
	}
	j.UpdateProgress(progressAllocated)

	s.advance(ctx, j, StageRendering)
	segments, err := s.renderSegments(ctx, j, ws, images)
	if err != nil {
		return err
	}
	j.UpdateProgress(progressRendered)

	s.advance(ctx, j, StageConcatenating)
	return s.concatenate(ctx, j, ws, segments, audio, baseURL)
}

// fetchAssets downloads the images and the optional audio concurrently.
func (s *SlideshowService) fetchAssets(ctx context.Context, j *Job, ws *workspace.Workspace) ([]fetch.Asset, *fetch.Asset, *Error) {
	sources := make([]fetch.Source, len(j.Images))
	for i, u := range j.Images {
		sources[i] = fetch.Source{Index: i, URL: u, Kind: fetch.KindImage}
	}

	var images []fetch.Asset
	var audio *fetch.Asset

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		images, err = s.fetcher.FetchAll(gctx, sources, ws.Dir())
		return err
	})
	if j.HasAudio() {
		g.Go(func() error {
			a, err := s.fetcher.Fetch(gctx, fetch.Source{Index: noIndex, URL: j.AudioURL, Kind: fetch.KindAudio}, ws.Dir())
			if err != nil {
				return err
			}
			audio = &a
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var fetchErr *fetch.Error
		if errors.As(err, &fetchErr) {
			return nil, nil, newError(KindAssetFetch, fetchErr.URL, fetchErr.Index, fetchErr.Err)
		}
		return nil, nil, newError(KindAssetFetch, "", noIndex, err)
	}
	return images, audio, nil
}

// allocate probes the audio, if any, and stores the per-image duration.
func (s *SlideshowService) allocate(ctx context.Context, j *Job, audio *fetch.Asset) *Error {
	var audioSeconds float64
	if audio != nil {
		d, err := s.processor.ProbeDuration(ctx, audio.LocalPath)
		if err != nil {
			return newError(KindMediaProbe, audio.SourceURL, noIndex, err)
		}
		audioSeconds = d
	}

	seconds, err := s.policy.Allocate(len(j.Images), audioSeconds, audio != nil)
	if err != nil {
		if errors.Is(err, ErrNoImages) {
			return newError(KindInvalidRequest, "", noIndex, err)
		}
		return newError(KindMediaProbe, j.AudioURL, noIndex, err)
	}

	j.SetSecondsPerImage(seconds)
	s.logger.Debug("duration allocated",
		slog.String("job_id", j.ID),
		slog.Float64("audio_seconds", audioSeconds),
		slog.Float64("seconds_per_image", seconds),
	)
	return nil
}

// concatenate joins the segments with the audio in the workspace, then
// publishes the result.
func (s *SlideshowService) concatenate(ctx context.Context, j *Job, ws *workspace.Workspace, segments []Segment, audio *fetch.Asset, baseURL string) *Error {
	spec := media.ConcatSpec{
		SegmentPaths: make([]string, len(segments)),
		OutputPath:   ws.Path(outputFile),
		ListPath:     ws.Path(listFile),
		FPS:          s.fps,
	}
	for i, seg := range segments {
		spec.SegmentPaths[i] = seg.Path
	}
	if audio != nil {
		spec.AudioPath = audio.LocalPath
	}

	if err := s.processor.Concat(ctx, spec); err != nil {
		return newError(KindConcatenation, "", noIndex, err)
	}
	j.UpdateProgress(progressConcat)

	name := outputName(j.ID)
	videoURL, err := s.storage.Publish(ctx, spec.OutputPath, name, baseURL)
	if err != nil {
		return newError(KindPublish, name, noIndex, err)
	}
	j.SetOutput(name, videoURL)
	return nil
}

// outputName namespaces every published video by job.
func outputName(jobID string) string {
	return "video_" + jobID + storage.VideoExt
}

// release removes the workspace. A failure is logged and never changes
// the job outcome.
func (s *SlideshowService) release(ws *workspace.Workspace, log *slog.Logger) {
	if err := ws.Release(); err != nil {
		cleanupErr := newError(KindWorkspaceCleanup, ws.Dir(), noIndex, err)
		log.Error("workspace cleanup failed", slog.String("error", cleanupErr.Error()))
	}
}

// settle records the outcome, if it is a failure, and moves the job to
// CLEANING.
func (s *SlideshowService) settle(ctx context.Context, j *Job, jobErr *Error, log *slog.Logger) {
	if jobErr != nil {
		j.Fail(jobErr.Failure())
		log.Error("job failed",
			slog.String("kind", string(jobErr.Kind)),
			slog.String("resource", jobErr.Resource),
			slog.Int("index", jobErr.Index),
			slog.String("error", jobErr.Error()),
		)
	}
	s.advance(context.WithoutCancel(ctx), j, StageCleaning)
}

// advance transitions the job and persists a snapshot.
func (s *SlideshowService) advance(ctx context.Context, j *Job, stage Stage) {
	if err := j.TransitionTo(stage); err != nil {
		s.logger.Error("invalid stage transition",
			slog.String("job_id", j.ID),
			slog.String("from", string(j.GetStage())),
			slog.String("to", string(stage)),
		)
		return
	}
	s.save(ctx, j)
}

// save persists a snapshot. Job records are informational, so a failed
// write is logged and the pipeline goes on.
func (s *SlideshowService) save(ctx context.Context, j *Job) {
	if err := s.repo.Save(context.WithoutCancel(ctx), j); err != nil {
		s.logger.Warn("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

// validate rejects requests that must not create a workspace.
func (s *SlideshowService) validate(input CreateVideoInput) error {
	if len(input.Images) == 0 {
		return newError(KindInvalidRequest, "", noIndex, ErrNoImages)
	}
	if len(input.Images) > s.maxImages {
		return newError(KindInvalidRequest, "", noIndex,
			fmt.Errorf("%w: %d > %d", ErrTooManyImages, len(input.Images), s.maxImages))
	}
	for i, u := range input.Images {
		if !isHTTPURL(u) {
			return newError(KindInvalidRequest, u, i, ErrInvalidURL)
		}
	}
	if input.AudioURL != "" && !isHTTPURL(input.AudioURL) {
		return newError(KindInvalidRequest, input.AudioURL, noIndex, ErrInvalidURL)
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
