// Package runner owns the processing job lifecycle: claiming pending videos,
// bounding attempts, scheduling retries with backoff, and dead-lettering jobs
// whose budget is exhausted.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamforge/internal/models"
	"streamforge/internal/notify"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/pipeline"
	"streamforge/internal/queue"
	"streamforge/internal/storage"
)

const (
	defaultWorkers        = 2
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = time.Hour
)

// defaultBackoff is the retry delay schedule; attempts beyond its length
// reuse the final entry.
var defaultBackoff = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// Processor runs the full pipeline for one video. Satisfied by
// *pipeline.Orchestrator.
type Processor interface {
	Process(ctx context.Context, videoID string) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, videoID string) error

func (f ProcessorFunc) Process(ctx context.Context, videoID string) error {
	return f(ctx, videoID)
}

// Config wires the runner's collaborators together.
type Config struct {
	Repository storage.Repository
	Queue      queue.Queue
	Processor  Processor
	Notifier   notify.Notifier
	Workers    int
	// MaxAttempts bounds how many times a video is claimed before it is
	// dead-lettered. Fatal failures short-circuit the budget.
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        []time.Duration
	QueueName      string
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Runner is the worker pool consuming the processing queue.
type Runner struct {
	repo           storage.Repository
	queue          queue.Queue
	processor      Processor
	notifier       notify.Notifier
	workers        int
	maxAttempts    int
	attemptTimeout time.Duration
	backoff        []time.Duration
	queueName      string
	logger         *slog.Logger
	clock          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

func New(cfg Config) (*Runner, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	queueName := strings.TrimSpace(cfg.QueueName)
	if queueName == "" {
		queueName = queue.DefaultName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		repo:           cfg.Repository,
		queue:          cfg.Queue,
		processor:      cfg.Processor,
		notifier:       notifier,
		workers:        workers,
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		backoff:        backoff,
		queueName:      queueName,
		logger:         logging.WithComponent(logger, "runner"),
		clock:          clock,
		ctx:            ctx,
		cancel:         cancel,
		inFlight:       make(map[string]struct{}),
	}, nil
}

// Start launches the worker pool and requeues work that survived a restart.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	group, ctx := errgroup.WithContext(r.ctx)
	r.group = group
	for i := 0; i < r.workers; i++ {
		group.Go(func() error {
			r.worker(ctx)
			return nil
		})
	}

	go r.recoverInterrupted()
}

// Shutdown stops dequeuing and waits for in-flight attempts to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	if r.group == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit schedules a processing job for the video.
func (r *Runner) Submit(ctx context.Context, videoID string) error {
	if strings.TrimSpace(videoID) == "" {
		return fmt.Errorf("video id is required")
	}
	return r.enqueue(ctx, videoID, 1, time.Time{})
}

func (r *Runner) enqueue(ctx context.Context, videoID string, attempt int, notBefore time.Time) error {
	id, err := newJobID()
	if err != nil {
		return err
	}
	job := models.ProcessingJob{
		ID:         id,
		VideoID:    videoID,
		Queue:      r.queueName,
		Attempt:    attempt,
		EnqueuedAt: r.clock(),
		NotBefore:  notBefore,
		Timeout:    r.attemptTimeout,
	}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue video %s: %w", videoID, err)
	}
	return nil
}

func (r *Runner) worker(ctx context.Context) {
	for {
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			r.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !r.beginWork(job.VideoID) {
			r.logger.Debug("video already in flight, dropping duplicate job",
				"video_id", job.VideoID, "job_id", job.ID)
			continue
		}
		r.handleJob(ctx, job)
		r.finishWork(job.VideoID)
	}
}

func (r *Runner) beginWork(videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inFlight[videoID]; exists {
		return false
	}
	r.inFlight[videoID] = struct{}{}
	return true
}

func (r *Runner) finishWork(videoID string) {
	r.mu.Lock()
	delete(r.inFlight, videoID)
	r.mu.Unlock()
}

func (r *Runner) handleJob(ctx context.Context, job models.ProcessingJob) {
	jobCtx := logging.ContextWithVideoID(ctx, job.VideoID)
	jobCtx = logging.ContextWithJobID(jobCtx, job.ID)
	logger := logging.WithContext(jobCtx, r.logger)

	claimed, err := r.repo.ClaimVideoForProcessing(job.VideoID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrVideoNotFound):
			logger.Warn("dropping job for unknown video")
		case errors.Is(err, storage.ErrVideoNotClaimable):
			logger.Info("video not claimable, dropping job", "error", err)
		default:
			logger.Error("claim failed", "error", err)
		}
		return
	}
	logger.Info("attempt started", "attempt", claimed.ProcessingAttempts, "max_attempts", r.maxAttempts)
	metrics.JobStarted()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = r.attemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(jobCtx, timeout)
	processErr := r.processor.Process(attemptCtx, job.VideoID)
	cancel()

	if processErr == nil {
		logger.Info("attempt succeeded", "attempt", claimed.ProcessingAttempts)
		metrics.JobCompleted()
		return
	}
	r.handleFailure(jobCtx, logger, job, claimed, processErr)
}

func (r *Runner) handleFailure(ctx context.Context, logger *slog.Logger, job models.ProcessingJob, video models.Video, processErr error) {
	attempts := video.ProcessingAttempts
	fatal := pipeline.IsFatal(processErr)
	message := strings.TrimSpace(processErr.Error())

	if !fatal && attempts < r.maxAttempts {
		delay := r.backoffFor(attempts)
		pending := models.StatusPending
		// The error message is only persisted once the video settles at
		// failed; a retryable failure just returns the video to pending.
		if _, err := r.repo.UpdateVideo(video.ID, storage.VideoUpdate{
			Status: &pending,
		}); err != nil {
			logger.Error("failed to reschedule video", "error", err)
			return
		}
		if err := r.enqueue(ctx, video.ID, attempts+1, r.clock().Add(delay)); err != nil {
			logger.Error("failed to enqueue retry", "error", err)
			return
		}
		logger.Warn("attempt failed, retry scheduled",
			"attempt", attempts, "retry_in", delay.String(), "error", message)
		metrics.JobRetried()
		return
	}
	r.deadLetter(ctx, logger, video, message, fatal, job.EnqueuedAt)
}

// deadLetter settles a video at failed: persist the error, record the dead
// letter, and notify once.
func (r *Runner) deadLetter(ctx context.Context, logger *slog.Logger, video models.Video, message string, fatal bool, enqueuedAt time.Time) {
	attempts := video.ProcessingAttempts
	failed := models.StatusFailed
	if _, err := r.repo.UpdateVideo(video.ID, storage.VideoUpdate{
		Status:          &failed,
		ProcessingError: &message,
	}); err != nil {
		logger.Error("failed to mark video failed", "error", err)
	}
	if _, err := r.repo.AddDeadLetter(models.DeadLetter{
		VideoID:    video.ID,
		Queue:      r.queueName,
		Error:      message,
		Attempts:   attempts,
		EnqueuedAt: enqueuedAt,
		FailedAt:   r.clock(),
	}); err != nil {
		logger.Error("failed to record dead letter", "error", err)
	}
	if err := r.notifier.NotifyFailure(ctx, notify.FailurePayload{
		VideoID:  video.ID,
		Title:    video.Title,
		Error:    message,
		Attempts: attempts,
	}); err != nil {
		// Notification delivery is best effort; the job outcome stands.
		logger.Error("failure notification not delivered", "error", err)
		metrics.NotificationFailed()
	} else {
		metrics.NotificationDelivered()
	}
	metrics.JobDeadLettered()
	logger.Error("attempts exhausted, video dead-lettered",
		"attempts", attempts, "fatal", fatal, "error", message)
}

// backoffFor returns the delay before the retry following the given attempt.
// Attempts past the schedule reuse its final entry.
func (r *Runner) backoffFor(attempt int) time.Duration {
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(r.backoff) {
		index = len(r.backoff) - 1
	}
	return r.backoff[index]
}

// recoverInterrupted requeues work that was pending or mid-flight when the
// previous process stopped. Interrupted processing videos are reset to
// pending so they can be claimed again; the interrupted attempt stays
// counted, so a video interrupted on its final attempt goes straight to the
// dead letter store instead of receiving an attempt beyond the cap.
func (r *Runner) recoverInterrupted() {
	requeued := make(map[string]struct{})
	for _, video := range r.repo.ListVideos(models.StatusProcessing) {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		if video.ProcessingAttempts >= r.maxAttempts {
			logger := r.logger.With("video_id", video.ID)
			r.deadLetter(r.ctx, logger, video, "processing interrupted on final attempt", false, video.UpdatedAt)
			continue
		}
		pending := models.StatusPending
		if _, err := r.repo.UpdateVideo(video.ID, storage.VideoUpdate{Status: &pending}); err != nil {
			r.logger.Error("failed to reset interrupted video", "video_id", video.ID, "error", err)
			continue
		}
		if err := r.enqueue(r.ctx, video.ID, video.ProcessingAttempts+1, time.Time{}); err != nil {
			r.logger.Error("failed to requeue interrupted video", "video_id", video.ID, "error", err)
			continue
		}
		requeued[video.ID] = struct{}{}
		r.logger.Info("requeued interrupted video", "video_id", video.ID)
	}
	for _, video := range r.repo.ListVideos(models.StatusPending) {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		if _, alreadyQueued := requeued[video.ID]; alreadyQueued {
			continue
		}
		// A pending video with counted attempts failed retryably before the
		// restart; its remaining backoff delay carries over.
		notBefore := time.Time{}
		if video.ProcessingAttempts > 0 {
			notBefore = r.clock().Add(r.backoffFor(video.ProcessingAttempts))
		}
		if err := r.enqueue(r.ctx, video.ID, video.ProcessingAttempts+1, notBefore); err != nil {
			r.logger.Error("failed to requeue pending video", "video_id", video.ID, "error", err)
		}
	}
}

func newJobID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
