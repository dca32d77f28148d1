// Package storage publishes finished videos and applies the output
// retention policy. Videos live either in a local directory served over
// HTTP or in an S3 bucket.
package storage

import (
	"context"
	"errors"
)

// VideoExt is the extension of every published video.
const VideoExt = ".mp4"

// Static errors for storage operations.
var (
	// ErrInvalidName is returned when a video name is not a plain file name.
	ErrInvalidName = errors.New("storage: invalid video name")
	// ErrS3NotConfigured is returned when S3 operations are attempted
	// without proper configuration.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
)

// Storage defines where finished videos go.
type Storage interface {
	// Publish moves the file at localPath to its final location under name
	// and returns the public URL. Readers never observe a partial file.
	// baseURL is the public root of this service, used by storages that
	// serve videos themselves.
	Publish(ctx context.Context, localPath, name, baseURL string) (url string, err error)

	// Purge removes every previously published video.
	Purge(ctx context.Context) (removed int, err error)
}
