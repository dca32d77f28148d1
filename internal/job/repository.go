package job

import (
	"context"
	"errors"
)

// ErrJobNotFound is returned when a job cannot be found by ID.
var ErrJobNotFound = errors.New("job not found")

// Repository stores job snapshots. The service saves a snapshot at every
// stage change, so implementations must copy what they keep.
type Repository interface {
	// Save creates or replaces the snapshot of a job.
	Save(ctx context.Context, job *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// List returns the known jobs, newest first.
	List(ctx context.Context) ([]*Job, error)

	// Delete removes a job record.
	// Returns ErrJobNotFound if the job does not exist.
	Delete(ctx context.Context, id string) error
}
