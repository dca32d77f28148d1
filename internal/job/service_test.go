package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbylastro/FFMPEG-Propre/internal/fetch"
	"github.com/bobbylastro/FFMPEG-Propre/internal/media"
	"github.com/bobbylastro/FFMPEG-Propre/internal/storage"
	"github.com/bobbylastro/FFMPEG-Propre/internal/workspace"
)

const testBaseURL = "http://localhost:8080"

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	mp3Bytes = append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 32)...)
)

// fakeProcessor stands in for ffmpeg. Segments contain their image path
// and the output contains the segments in the order received, so the
// artifact records the order the pipeline assembled it in.
type fakeProcessor struct {
	mu sync.Mutex

	probeSeconds float64
	probeErr     error
	renderErr    map[int]error
	renderDelay  func(index int) time.Duration
	concatErr    error
	concatPanic  bool

	probes  []string
	renders []media.RenderSpec
	concats []media.ConcatSpec

	inFlight     int
	peakInFlight int
}

var _ media.Processor = (*fakeProcessor)(nil)

func segmentIndex(path string) int {
	var n int
	_, _ = fmt.Sscanf(filepath.Base(path), "seg%03d.mp4", &n)
	return n - 1
}

func (p *fakeProcessor) ProbeDuration(_ context.Context, path string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, path)
	return p.probeSeconds, p.probeErr
}

func (p *fakeProcessor) RenderSegment(ctx context.Context, spec media.RenderSpec) error {
	idx := segmentIndex(spec.OutputPath)

	p.mu.Lock()
	p.renders = append(p.renders, spec)
	err := p.renderErr[idx]
	delay := p.renderDelay
	p.inFlight++
	p.peakInFlight = max(p.peakInFlight, p.inFlight)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if delay != nil {
		select {
		case <-time.After(delay(idx)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return os.WriteFile(spec.OutputPath, []byte(filepath.Base(spec.ImagePath)+"\n"), 0600)
}

func (p *fakeProcessor) Concat(_ context.Context, spec media.ConcatSpec) error {
	p.mu.Lock()
	p.concats = append(p.concats, spec)
	err, panics := p.concatErr, p.concatPanic
	p.mu.Unlock()

	if panics {
		panic("encoder exploded")
	}
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, seg := range spec.SegmentPaths {
		data, err := os.ReadFile(seg) // #nosec G304 - test file
		if err != nil {
			return err
		}
		b.Write(data)
	}
	if spec.AudioPath != "" {
		b.WriteString("audio:" + filepath.Base(spec.AudioPath) + "\n")
	}
	return os.WriteFile(spec.OutputPath, []byte(b.String()), 0600)
}

func (p *fakeProcessor) setConcatErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.concatErr = err
}

func (p *fakeProcessor) renderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.renders)
}

func (p *fakeProcessor) peakRenders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peakInFlight
}

func (p *fakeProcessor) concatCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.concats)
}

// failingStorage refuses to publish.
type failingStorage struct{}

func (failingStorage) Publish(context.Context, string, string, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingStorage) Purge(context.Context) (int, error) { return 0, nil }

type countingStorage struct {
	storage.Storage
	mu     sync.Mutex
	purges int
}

func (s *countingStorage) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.purges++
	s.mu.Unlock()
	return s.Storage.Purge(ctx)
}

type gateFunc func(ctx context.Context) error

func (f gateFunc) Admit(ctx context.Context) error { return f(ctx) }

// newAssetServer serves PNGs under /img/{n}, an MP3 under /audio and 404
// for anything listed in missing.
func newAssetServer(t *testing.T, missing ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range missing {
			if r.URL.Path == m {
				http.NotFound(w, r)
				return
			}
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/img/"):
			_, _ = w.Write(pngBytes)
		case r.URL.Path == "/audio":
			_, _ = w.Write(mp3Bytes)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func imageURLs(base string, n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/img/%d", base, i+1)
	}
	return urls
}

type testEnv struct {
	svc        *SlideshowService
	processor  *fakeProcessor
	repo       *MemoryRepository
	workspaces *workspace.Manager
	outputDir  string
}

func newTestEnv(t *testing.T, processor *fakeProcessor, store storage.Storage, opts ...Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	workspaces, err := workspace.NewManager(filepath.Join(t.TempDir(), "work"), logger)
	require.NoError(t, err)

	outputDir := filepath.Join(t.TempDir(), "videos")
	if store == nil {
		local, err := storage.NewLocalStorage(outputDir)
		require.NoError(t, err)
		store = local
	}

	repo := NewMemoryRepository()
	svc := NewSlideshowService(Dependencies{
		Repo:       repo,
		Fetcher:    fetch.NewFetcher(fetch.WithConcurrency(3), fetch.WithLogger(logger)),
		Processor:  processor,
		Workspaces: workspaces,
		Storage:    store,
	}, append([]Option{WithLogger(logger), WithVideoFormat(320, 240, 25)}, opts...)...)

	return &testEnv{
		svc:        svc,
		processor:  processor,
		repo:       repo,
		workspaces: workspaces,
		outputDir:  outputDir,
	}
}

func (e *testEnv) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.workspaces.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directories left behind")
}

func (e *testEnv) videos(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(e.outputDir, "*.mp4"))
	require.NoError(t, err)
	return matches
}

func (e *testEnv) onlyJob(t *testing.T) *Job {
	t.Helper()
	jobs, err := e.repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestCreateVideo_NoAudio(t *testing.T) {
	server := newAssetServer(t)
	env := newTestEnv(t, &fakeProcessor{}, nil)
	images := imageURLs(server.URL, 3)

	out, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: images, BaseURL: testBaseURL})
	require.NoError(t, err)

	assert.Equal(t, 5.0, out.SecondsPerImage)
	assert.Equal(t, 3, out.Segments)
	assert.Equal(t, "video_"+out.JobID+".mp4", out.OutputName)
	assert.Equal(t, testBaseURL+"/videos/"+out.OutputName, out.VideoURL)

	// No audio means no probe, and every segment gets the default.
	assert.Empty(t, env.processor.probes)
	require.Len(t, env.processor.renders, 3)
	var total float64
	for _, r := range env.processor.renders {
		assert.Equal(t, 5.0, r.Duration)
		assert.Equal(t, 320, r.Width)
		assert.Equal(t, 240, r.Height)
		assert.Equal(t, 25, r.FPS)
		total += r.Duration
	}
	assert.InDelta(t, 15.0, total, 1e-9)

	require.Len(t, env.processor.concats, 1)
	assert.Empty(t, env.processor.concats[0].AudioPath)

	data, err := os.ReadFile(filepath.Join(env.outputDir, out.OutputName))
	require.NoError(t, err)
	assert.Equal(t, "img001.png\nimg002.png\nimg003.png\n", string(data))

	env.assertNoWorkspaces(t)

	j, err := env.svc.GetJob(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, StageDone, j.Stage)
	assert.Equal(t, StatusSucceeded, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Equal(t, out.VideoURL, j.VideoURL)
	assert.Nil(t, j.Failure)
	require.Len(t, j.Segments, 3)
	for i, seg := range j.Segments {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, images[i], seg.Source)
		assert.Equal(t, SegmentRendered, seg.Status)
	}
}

func TestCreateVideo_WithAudio(t *testing.T) {
	tests := []struct {
		name       string
		images     int
		probed     float64
		wantSecs   float64
		wantLength float64
	}{
		{"audio split evenly", 2, 10, 5, 10},
		{"clamped to max", 2, 100, 20, 40},
		{"clamped to min", 4, 2, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newAssetServer(t)
			env := newTestEnv(t, &fakeProcessor{probeSeconds: tt.probed}, nil)

			out, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{
				Images:   imageURLs(server.URL, tt.images),
				AudioURL: server.URL + "/audio",
				BaseURL:  testBaseURL,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantSecs, out.SecondsPerImage)

			require.Len(t, env.processor.probes, 1)
			assert.Equal(t, "audio.mp3", filepath.Base(env.processor.probes[0]))

			var total float64
			for _, r := range env.processor.renders {
				assert.Equal(t, tt.wantSecs, r.Duration)
				total += r.Duration
			}
			// The encoder trims to the shorter of video and audio.
			assert.InDelta(t, tt.wantLength, min(total, tt.probed), 1e-9)

			require.Len(t, env.processor.concats, 1)
			assert.Equal(t, "audio.mp3", filepath.Base(env.processor.concats[0].AudioPath))
			env.assertNoWorkspaces(t)
		})
	}
}

func TestCreateVideo_OrderSurvivesParallelCompletion(t *testing.T) {
	server := newAssetServer(t)
	processor := &fakeProcessor{
		// Earlier images take longer, so renders finish in reverse.
		renderDelay: func(index int) time.Duration {
			return time.Duration(6-index) * 15 * time.Millisecond
		},
	}
	env := newTestEnv(t, processor, nil, WithRenderConcurrency(6))
	images := imageURLs(server.URL, 6)

	out, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: images, BaseURL: testBaseURL})
	require.NoError(t, err)

	require.Len(t, processor.concats, 1)
	paths := processor.concats[0].SegmentPaths
	require.Len(t, paths, len(images))
	for i, p := range paths {
		assert.Equal(t, fmt.Sprintf("seg%03d.mp4", i+1), filepath.Base(p))
	}

	data, err := os.ReadFile(filepath.Join(env.outputDir, out.OutputName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, len(images))
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("img%03d.png", i+1), line)
	}

	j, err := env.svc.GetJob(context.Background(), out.JobID)
	require.NoError(t, err)
	for i, seg := range j.Segments {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, images[i], seg.Source)
		assert.Equal(t, media.MotionForIndex(i).String(), seg.Motion)
	}
}

func TestCreateVideo_RenderConcurrencyIsBounded(t *testing.T) {
	server := newAssetServer(t)
	processor := &fakeProcessor{
		renderDelay: func(int) time.Duration { return 20 * time.Millisecond },
	}
	env := newTestEnv(t, processor, nil, WithRenderConcurrency(2))
	images := imageURLs(server.URL, 8)

	_, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: images, BaseURL: testBaseURL})
	require.NoError(t, err)

	assert.Equal(t, len(images), processor.renderCount())
	assert.LessOrEqual(t, processor.peakRenders(), 2)
	assert.Positive(t, processor.peakRenders())
}

func TestCreateVideo_FetchFailureIsIsolated(t *testing.T) {
	server := newAssetServer(t, "/img/3")
	env := newTestEnv(t, &fakeProcessor{}, nil)
	images := imageURLs(server.URL, 5)

	out, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: images, BaseURL: testBaseURL})
	require.Error(t, err)
	assert.Nil(t, out)

	var jobErr *Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, KindAssetFetch, jobErr.Kind)
	assert.Equal(t, images[2], jobErr.Resource)
	assert.Equal(t, 2, jobErr.Index)
	assert.ErrorIs(t, err, fetch.ErrBadStatus)

	assert.Zero(t, env.processor.renderCount())
	assert.Zero(t, env.processor.concatCount())
	env.assertNoWorkspaces(t)
	assert.Empty(t, env.videos(t))

	j := env.onlyJob(t)
	assert.Equal(t, StageDone, j.Stage)
	assert.Equal(t, StatusFailed, j.Status)
	require.NotNil(t, j.Failure)
	assert.Equal(t, KindAssetFetch, j.Failure.Kind)
	assert.Equal(t, images[2], j.Failure.Resource)
	require.NotNil(t, j.Failure.Index)
	assert.Equal(t, 2, *j.Failure.Index)
}

func TestCreateVideo_CleanupOnEveryFailure(t *testing.T) {
	encoderErr := errors.New("encoder failed")

	tests := []struct {
		name      string
		missing   []string
		audio     bool
		processor *fakeProcessor
		store     storage.Storage
		wantKind  ErrorKind
		wantIndex int
	}{
		{
			name:      "fetch image",
			missing:   []string{"/img/2"},
			processor: &fakeProcessor{},
			wantKind:  KindAssetFetch,
			wantIndex: 1,
		},
		{
			name:      "fetch audio",
			missing:   []string{"/audio"},
			audio:     true,
			processor: &fakeProcessor{},
			wantKind:  KindAssetFetch,
			wantIndex: noIndex,
		},
		{
			name:      "probe",
			audio:     true,
			processor: &fakeProcessor{probeErr: encoderErr},
			wantKind:  KindMediaProbe,
			wantIndex: noIndex,
		},
		{
			name:      "probe returns zero",
			audio:     true,
			processor: &fakeProcessor{probeSeconds: 0},
			wantKind:  KindMediaProbe,
			wantIndex: noIndex,
		},
		{
			name:      "render",
			processor: &fakeProcessor{renderErr: map[int]error{1: encoderErr}},
			wantKind:  KindRender,
			wantIndex: 1,
		},
		{
			name:      "concat",
			processor: &fakeProcessor{concatErr: encoderErr},
			wantKind:  KindConcatenation,
			wantIndex: noIndex,
		},
		{
			name:      "publish",
			processor: &fakeProcessor{},
			store:     failingStorage{},
			wantKind:  KindPublish,
			wantIndex: noIndex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newAssetServer(t, tt.missing...)
			env := newTestEnv(t, tt.processor, tt.store)

			input := CreateVideoInput{Images: imageURLs(server.URL, 3), BaseURL: testBaseURL}
			if tt.audio {
				input.AudioURL = server.URL + "/audio"
			}

			_, err := env.svc.CreateVideo(context.Background(), input)
			require.Error(t, err)

			var jobErr *Error
			require.ErrorAs(t, err, &jobErr)
			assert.Equal(t, tt.wantKind, jobErr.Kind)
			assert.Equal(t, tt.wantIndex, jobErr.Index)

			env.assertNoWorkspaces(t)
			if tt.store == nil {
				assert.Empty(t, env.videos(t))
			}

			j := env.onlyJob(t)
			assert.Equal(t, StageDone, j.Stage)
			assert.Equal(t, StatusFailed, j.Status)
			require.NotNil(t, j.Failure)
			assert.Equal(t, tt.wantKind, j.Failure.Kind)
		})
	}
}

func TestCreateVideo_RenderFailureMarksSegment(t *testing.T) {
	server := newAssetServer(t)
	processor := &fakeProcessor{renderErr: map[int]error{0: errors.New("bad image")}}
	env := newTestEnv(t, processor, nil, WithRenderConcurrency(1))
	images := imageURLs(server.URL, 3)

	_, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: images, BaseURL: testBaseURL})

	var jobErr *Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, KindRender, jobErr.Kind)
	assert.Equal(t, images[0], jobErr.Resource)
	assert.Zero(t, processor.concatCount())

	j := env.onlyJob(t)
	require.Len(t, j.Segments, 3)
	assert.Equal(t, SegmentFailed, j.Segments[0].Status)
	assert.NotEqual(t, SegmentRendered, j.Segments[2].Status)
}

func TestCreateVideo_Idempotent(t *testing.T) {
	server := newAssetServer(t)
	processor := &fakeProcessor{}
	env := newTestEnv(t, processor, nil, WithMaxConcurrentJobs(2))
	input := CreateVideoInput{Images: imageURLs(server.URL, 2), BaseURL: testBaseURL}

	first, err := env.svc.CreateVideo(context.Background(), input)
	require.NoError(t, err)
	env.assertNoWorkspaces(t)

	second, err := env.svc.CreateVideo(context.Background(), input)
	require.NoError(t, err)
	env.assertNoWorkspaces(t)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.NotEqual(t, first.VideoURL, second.VideoURL)
	assert.Len(t, env.videos(t), 2)

	processor.setConcatErr(errors.New("disk full"))
	_, err = env.svc.CreateVideo(context.Background(), input)
	require.Error(t, err)
	env.assertNoWorkspaces(t)

	// Earlier artifacts are untouched by the failed run.
	assert.FileExists(t, filepath.Join(env.outputDir, first.OutputName))
	assert.FileExists(t, filepath.Join(env.outputDir, second.OutputName))
	assert.Len(t, env.videos(t), 2)
}

func TestCreateVideo_ConcurrentJobs(t *testing.T) {
	server := newAssetServer(t)
	processor := &fakeProcessor{renderDelay: func(int) time.Duration { return 5 * time.Millisecond }}
	env := newTestEnv(t, processor, nil, WithMaxConcurrentJobs(4))

	var wg sync.WaitGroup
	urls := make([]string, 4)
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{
				Images:  imageURLs(server.URL, 3),
				BaseURL: testBaseURL,
			})
			errs[i] = err
			if out != nil {
				urls[i] = out.VideoURL
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[string]bool)
	for _, u := range urls {
		assert.False(t, seen[u], "duplicate output %s", u)
		seen[u] = true
	}
	assert.Len(t, env.videos(t), 4)
	env.assertNoWorkspaces(t)
}

func TestCreateVideo_PurgeOutputs(t *testing.T) {
	server := newAssetServer(t)
	outputDir := filepath.Join(t.TempDir(), "videos")
	local, err := storage.NewLocalStorage(outputDir)
	require.NoError(t, err)
	store := &countingStorage{Storage: local}

	env := newTestEnv(t, &fakeProcessor{}, store, WithPurgeOutputs(true), WithMaxConcurrentJobs(8))
	assert.Equal(t, 1, cap(env.svc.slots), "purging outputs must serialize jobs")

	input := CreateVideoInput{Images: imageURLs(server.URL, 1), BaseURL: testBaseURL}
	_, err = env.svc.CreateVideo(context.Background(), input)
	require.NoError(t, err)
	second, err := env.svc.CreateVideo(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 2, store.purges)
	matches, err := filepath.Glob(filepath.Join(outputDir, "*.mp4"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, second.OutputName, filepath.Base(matches[0]))
}

func TestCreateVideo_InvalidRequest(t *testing.T) {
	tests := []struct {
		name      string
		input     CreateVideoInput
		wantErr   error
		wantIndex int
	}{
		{"no images", CreateVideoInput{}, ErrNoImages, noIndex},
		{"relative url", CreateVideoInput{Images: []string{"https://example.com/1.png", "/local.png"}}, ErrInvalidURL, 1},
		{"unsupported scheme", CreateVideoInput{Images: []string{"file:///etc/passwd"}}, ErrInvalidURL, 0},
		{"bad audio", CreateVideoInput{Images: []string{"https://example.com/1.png"}, AudioURL: "ftp://example.com/a.mp3"}, ErrInvalidURL, noIndex},
		{"too many images", CreateVideoInput{Images: []string{"https://a.io/1", "https://a.io/2", "https://a.io/3"}}, ErrTooManyImages, noIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &fakeProcessor{}
			env := newTestEnv(t, processor, nil, WithMaxImages(2))

			_, err := env.svc.CreateVideo(context.Background(), tt.input)

			var jobErr *Error
			require.ErrorAs(t, err, &jobErr)
			assert.Equal(t, KindInvalidRequest, jobErr.Kind)
			assert.Equal(t, tt.wantIndex, jobErr.Index)
			assert.ErrorIs(t, err, tt.wantErr)

			env.assertNoWorkspaces(t)
			jobs, _ := env.repo.List(context.Background())
			assert.Empty(t, jobs)
			assert.Zero(t, processor.renderCount())
		})
	}
}

func TestCreateVideo_Busy(t *testing.T) {
	server := newAssetServer(t)

	t.Run("gate refuses", func(t *testing.T) {
		env := newTestEnv(t, &fakeProcessor{}, nil)
		env.svc.gate = gateFunc(func(context.Context) error { return errors.New("cpu at 97%") })

		_, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: imageURLs(server.URL, 1)})
		assert.ErrorIs(t, err, ErrServerBusy)
		env.assertNoWorkspaces(t)
	})

	t.Run("no free slot", func(t *testing.T) {
		env := newTestEnv(t, &fakeProcessor{}, nil)
		env.svc.slots <- struct{}{}
		defer func() { <-env.svc.slots }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := env.svc.CreateVideo(ctx, CreateVideoInput{Images: imageURLs(server.URL, 1)})
		assert.ErrorIs(t, err, ErrServerBusy)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		env.assertNoWorkspaces(t)
	})
}

func TestCreateVideo_CancelledDuringRender(t *testing.T) {
	server := newAssetServer(t)
	processor := &fakeProcessor{renderDelay: func(int) time.Duration { return 5 * time.Second }}
	env := newTestEnv(t, processor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for processor.renderCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	_, err := env.svc.CreateVideo(ctx, CreateVideoInput{Images: imageURLs(server.URL, 2), BaseURL: testBaseURL})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assertCancelled(t, err)

	env.assertNoWorkspaces(t)
	j := env.onlyJob(t)
	assert.Equal(t, StageDone, j.Stage)
	assert.Equal(t, StatusFailed, j.Status)
	assertNoBlame(t, j)
	for _, seg := range j.Segments {
		assert.NotEqual(t, SegmentFailed, seg.Status, "segment %d", seg.Index)
	}
}

// assertCancelled checks that err is a cancellation that names no resource.
func assertCancelled(t *testing.T, err error) {
	t.Helper()
	var jobErr *Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, KindCancelled, jobErr.Kind)
	assert.Empty(t, jobErr.Resource)
	assert.False(t, jobErr.HasIndex())
	assert.NotEmpty(t, jobErr.JobID)
}

func assertNoBlame(t *testing.T, j *Job) {
	t.Helper()
	require.NotNil(t, j.Failure)
	assert.Equal(t, KindCancelled, j.Failure.Kind)
	assert.Empty(t, j.Failure.Resource)
	assert.Nil(t, j.Failure.Index)
}

func TestCreateVideo_CancelledDuringFetch(t *testing.T) {
	stalled := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/2" {
			select {
			case stalled <- struct{}{}:
			default:
			}
			<-r.Context().Done()
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(server.Close)

	processor := &fakeProcessor{}
	env := newTestEnv(t, processor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stalled
		cancel()
	}()

	start := time.Now()
	_, err := env.svc.CreateVideo(ctx, CreateVideoInput{Images: imageURLs(server.URL, 3), BaseURL: testBaseURL})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assertCancelled(t, err)

	assert.Zero(t, processor.renderCount())
	env.assertNoWorkspaces(t)
	j := env.onlyJob(t)
	assert.Equal(t, StageDone, j.Stage)
	assertNoBlame(t, j)
}

func TestCreateVideo_JobTimeout(t *testing.T) {
	server := newAssetServer(t)
	processor := &fakeProcessor{renderDelay: func(int) time.Duration { return 5 * time.Second }}
	env := newTestEnv(t, processor, nil, WithJobTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: imageURLs(server.URL, 2), BaseURL: testBaseURL})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assertCancelled(t, err)

	env.assertNoWorkspaces(t)
	assertNoBlame(t, env.onlyJob(t))
}

func TestCreateVideo_PanicStillCleansUp(t *testing.T) {
	server := newAssetServer(t)
	env := newTestEnv(t, &fakeProcessor{concatPanic: true}, nil)

	assert.Panics(t, func() {
		_, _ = env.svc.CreateVideo(context.Background(), CreateVideoInput{Images: imageURLs(server.URL, 1)})
	})

	env.assertNoWorkspaces(t)
	j := env.onlyJob(t)
	assert.Equal(t, StageDone, j.Stage)
	assert.Equal(t, StatusFailed, j.Status)
	require.NotNil(t, j.Failure)
	assert.Equal(t, KindInternal, j.Failure.Kind)

	// The slot was released.
	assert.Empty(t, env.svc.slots)
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t, &fakeProcessor{}, nil)

	for _, jobID := range []string{"job-missing", "../etc/passwd", "job-0190f3c2-7b1e-7a4c-9d2e-1f2a3b4c5d6e"} {
		_, err := env.svc.GetJob(context.Background(), jobID)
		assert.ErrorIs(t, err, ErrJobNotFound, jobID)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t, &fakeProcessor{}, nil)
	ctx := context.Background()

	running := New([]string{"https://example.com/a.png"}, "")
	require.NoError(t, env.repo.Save(ctx, running))
	assert.ErrorIs(t, env.svc.DeleteJob(ctx, running.ID), ErrJobRunning)

	require.NoError(t, running.TransitionTo(StageCleaning))
	require.NoError(t, running.TransitionTo(StageDone))
	require.NoError(t, env.repo.Save(ctx, running))
	require.NoError(t, env.svc.DeleteJob(ctx, running.ID))
	assert.ErrorIs(t, env.svc.DeleteJob(ctx, running.ID), ErrJobNotFound)

	// Malformed IDs never reach the repository.
	malformed := NewWithID("not-a-job-id", []string{"https://example.com/a.png"}, "")
	require.NoError(t, env.repo.Save(ctx, malformed))
	assert.ErrorIs(t, env.svc.DeleteJob(ctx, malformed.ID), ErrJobNotFound)
}
