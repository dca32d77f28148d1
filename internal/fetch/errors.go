package fetch

import (
	"errors"
	"fmt"
)

// Static errors for asset downloads.
var (
	// ErrNoSources is returned when FetchAll is called with nothing to fetch.
	ErrNoSources = errors.New("fetch: no sources")
	// ErrUnsupportedScheme is returned for URLs that are not http or https.
	ErrUnsupportedScheme = errors.New("fetch: unsupported URL scheme")
	// ErrBadStatus is returned when the server answers with a non-2xx status.
	ErrBadStatus = errors.New("fetch: unexpected status")
	// ErrTooLarge is returned when a body exceeds the configured size limit.
	ErrTooLarge = errors.New("fetch: asset exceeds size limit")
	// ErrEmptyBody is returned when the server sends no bytes.
	ErrEmptyBody = errors.New("fetch: empty body")
	// ErrUnexpectedContent is returned when the downloaded bytes are not the expected media kind.
	ErrUnexpectedContent = errors.New("fetch: unexpected content type")
)

// Error reports which source failed.
type Error struct {
	Index int
	URL   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s (index %d): %v", e.URL, e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
