package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	// Execute runs the job. It must return once ctx is done.
	Execute(ctx context.Context) error

	// UserID identifies the user whose data the job touches, for logs.
	UserID() string

	Description() string
}

// JobProvider lists the jobs of one scheduled run.
type JobProvider func(ctx context.Context) ([]Job, error)
