// Package fetch downloads job assets into a workspace directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

// Kind is the media kind a source is expected to hold.
type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Defaults used by NewFetcher.
const (
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBytes    = 50 << 20
)

// Source is one remote resource to download.
type Source struct {
	Index int // position in the job's input, 0-based
	URL   string
	Kind  Kind
}

// Asset is a downloaded file.
type Asset struct {
	Index       int
	SourceURL   string
	LocalPath   string
	Kind        Kind
	ContentType string
}

// Fetcher downloads assets over HTTP.
type Fetcher struct {
	httpClient  *http.Client
	timeout     time.Duration
	concurrency int
	maxRetries  int
	baseBackoff time.Duration
	maxBytes    int64
	logger      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client. The client is copied. Its
// Timeout bounds each attempt; when it is zero the fetcher timeout applies.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			c := *client
			f.httpClient = &c
		}
	}
}

// WithTimeout sets the per-request timeout used when the HTTP client
// has none.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithConcurrency caps the number of in-flight downloads in FetchAll.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) Option {
	return func(f *Fetcher) {
		f.baseBackoff = d
	}
}

// WithMaxBytes caps the size of a single asset.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFetcher creates a Fetcher with the given options.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient:  &http.Client{},
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		baseBackoff: 500 * time.Millisecond,
		maxBytes:    DefaultMaxBytes,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient.Timeout == 0 {
		f.httpClient.Timeout = f.timeout
	}
	return f
}

// FetchAll downloads every source into dir with at most the configured
// number of downloads in flight. The result is ordered like sources no
// matter which download finishes first. The first failure cancels the
// remaining downloads and is returned as *Error.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source, dir string) ([]Asset, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	assets := make([]Asset, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, src := range sources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			a, err := f.Fetch(gctx, src, dir)
			if err != nil {
				return err
			}
			assets[i] = a
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return assets, nil
}

// Fetch downloads a single source into dir.
// Images are written as img<NNN><ext> using the 1-based position, audio as
// audio<ext>; the extension comes from the sniffed content.
func (f *Fetcher) Fetch(ctx context.Context, src Source, dir string) (Asset, error) {
	fail := func(err error) (Asset, error) {
		return Asset{}, &Error{Index: src.Index, URL: src.URL, Err: err}
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return fail(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fail(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}

	base := baseName(src)
	partPath := filepath.Join(dir, base+".part")

	start := time.Now()
	if err := f.downloadWithRetry(ctx, src.URL, partPath); err != nil {
		_ = os.Remove(partPath)
		return fail(err)
	}

	mtype, err := mimetype.DetectFile(partPath)
	if err != nil {
		_ = os.Remove(partPath)
		return fail(fmt.Errorf("detect content: %w", err))
	}
	if !accepts(src.Kind, mtype) {
		_ = os.Remove(partPath)
		return fail(fmt.Errorf("%w: %s for %s", ErrUnexpectedContent, mtype.String(), src.Kind))
	}

	ext := mtype.Extension()
	if ext == "" {
		ext = ".bin"
	}
	finalPath := filepath.Join(dir, base+ext)
	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		return fail(fmt.Errorf("rename download: %w", err))
	}

	f.logger.Debug("asset downloaded",
		slog.Int("index", src.Index),
		slog.String("kind", string(src.Kind)),
		slog.String("content_type", mtype.String()),
		slog.Duration("elapsed", time.Since(start)),
	)

	return Asset{
		Index:       src.Index,
		SourceURL:   src.URL,
		LocalPath:   finalPath,
		Kind:        src.Kind,
		ContentType: mtype.String(),
	}, nil
}

func baseName(src Source) string {
	if src.Kind == KindAudio {
		return "audio"
	}
	return fmt.Sprintf("img%03d", src.Index+1)
}

// accepts reports whether the sniffed type fits the expected kind.
// Audio may arrive in a video container (m4a, mp4) or as ogg.
func accepts(kind Kind, mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		s := m.String()
		switch kind {
		case KindImage:
			if strings.HasPrefix(s, "image/") {
				return true
			}
		case KindAudio:
			if strings.HasPrefix(s, "audio/") || strings.HasPrefix(s, "video/") || s == "application/ogg" {
				return true
			}
		}
	}
	return false
}

// downloadWithRetry performs the download with exponential backoff retry.
func (f *Fetcher) downloadWithRetry(ctx context.Context, rawURL, dest string) error {
	var lastErr error
	backoff := f.baseBackoff

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}

		err := f.download(ctx, rawURL, dest)
		if err == nil {
			return nil
		}

		// Check if error is retryable
		if !isRetryable(err) {
			return err
		}

		lastErr = err
	}

	if f.maxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("request failed: %w", ctx.Err())
		}
		// Network errors and client timeouts are retryable
		return &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("%w %d", ErrBadStatus, resp.StatusCode)
		// 5xx and 429 (rate limit) are retryable
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: statusErr}
		}
		return statusErr
	}

	if resp.ContentLength > f.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	out, err := os.Create(dest) // #nosec G304 - dest is built from the workspace dir and a fixed name
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := out.Close()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("copy body: %w", ctx.Err())
		}
		return &retryableError{err: fmt.Errorf("copy body: %w", err)}
	}
	if closeErr != nil {
		return fmt.Errorf("close output file: %w", closeErr)
	}
	if n > f.maxBytes {
		return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	if n == 0 {
		return ErrEmptyBody
	}
	return nil
}
