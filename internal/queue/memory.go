package queue

import (
	"context"
	"sync"
	"time"

	"streamforge/internal/models"
)

const memoryPollInterval = 250 * time.Millisecond

// MemoryQueue is an in-process queue suitable for tests and single-node
// deployments. Jobs become visible once their not-before time has passed;
// among visible jobs the earliest-scheduled wins.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   []models.ProcessingJob
	wake   chan struct{}
	closed bool
	clock  func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		wake:  make(chan struct{}, 1),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

var _ Queue = (*MemoryQueue)(nil)

// SetClock overrides the time source, primarily for tests.
func (q *MemoryQueue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if clock != nil {
		q.clock = clock
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.ProcessingJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (models.ProcessingJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return models.ProcessingJob{}, ErrClosed
		}
		now := q.clock()
		best := -1
		for i, job := range q.jobs {
			if !job.Ready(now) {
				continue
			}
			if best == -1 || job.NotBefore.Before(q.jobs[best].NotBefore) {
				best = i
			}
		}
		if best >= 0 {
			job := q.jobs[best]
			q.jobs = append(q.jobs[:best], q.jobs[best+1:]...)
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		timer := time.NewTimer(memoryPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.ProcessingJob{}, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Len reports the number of queued jobs, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
