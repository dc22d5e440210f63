// Package queue provides the scheduled job queue feeding the processing
// runner. Jobs carry a not-before timestamp so retry backoff is enforced by
// the queue itself rather than by sleeping workers.
package queue

import (
	"context"
	"errors"

	"streamforge/internal/models"
)

// DefaultName is the queue processing jobs are published to.
const DefaultName = "video-processing"

// ErrClosed is returned once a queue has been shut down.
var ErrClosed = errors.New("queue is closed")

// Queue hands processing jobs from producers to the runner. Dequeue blocks
// until a job's not-before time has passed or the context is cancelled.
// Implementations must be safe for concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, job models.ProcessingJob) error
	Dequeue(ctx context.Context) (models.ProcessingJob, error)
	Close() error
}
