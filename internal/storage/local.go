package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// VideosPath is the URL path under which the local output directory is served.
const VideosPath = "/videos/"

var _ Storage = (*LocalStorage)(nil)

// LocalStorage publishes videos into a directory on local disk.
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a new LocalStorage instance.
// If outputDir is empty, "public/videos" is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(outputDir string) (*LocalStorage, error) {
	if outputDir == "" {
		outputDir = filepath.Join("public", "videos")
	}

	if err := os.MkdirAll(outputDir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &LocalStorage{outputDir: outputDir}, nil
}

// OutputDir returns the output directory path.
func (s *LocalStorage) OutputDir() string {
	return s.outputDir
}

// Publish moves localPath into the output directory. A rename is atomic;
// across filesystems the file is first copied to a hidden temporary name
// in the output directory and then renamed.
func (s *LocalStorage) Publish(ctx context.Context, localPath, name, baseURL string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	dst := filepath.Join(s.outputDir, name)
	if err := os.Rename(localPath, dst); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return "", fmt.Errorf("move video: %w", err)
		}
		if err := copyThenRename(localPath, dst); err != nil {
			return "", err
		}
		_ = os.Remove(localPath)
	}

	return strings.TrimRight(baseURL, "/") + VideosPath + url.PathEscape(name), nil
}

func copyThenRename(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - src is a workspace path
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("copy video: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move video: %w", err)
	}
	return nil
}

// Purge removes every published .mp4 from the output directory.
// It continues even if some files fail to delete, returning the first error.
func (s *LocalStorage) Purge(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return 0, fmt.Errorf("read output directory: %w", err)
	}

	var firstErr error
	removed := 0
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return removed, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), VideoExt) {
			continue
		}
		p := filepath.Join(s.outputDir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove video %s: %w", p, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// validName rejects anything that is not a plain file name.
func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
