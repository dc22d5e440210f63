package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamforge/internal/models"
	"streamforge/internal/notify"
	"streamforge/internal/pipeline"
	"streamforge/internal/queue"
	"streamforge/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProcessor returns the queued error for each attempt in order, then
// succeeds. It also mimics the orchestrator's success-path persistence.
type scriptedProcessor struct {
	mu      sync.Mutex
	repo    storage.Repository
	errs    []error
	calls   int
	statusC chan models.VideoStatus
}

func newScriptedProcessor(repo storage.Repository, errs ...error) *scriptedProcessor {
	return &scriptedProcessor{repo: repo, errs: errs, statusC: make(chan models.VideoStatus, 16)}
}

func (p *scriptedProcessor) Process(_ context.Context, videoID string) error {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	if call < len(p.errs) && p.errs[call] != nil {
		return p.errs[call]
	}

	complete := models.StatusComplete
	duration := 1.0
	if _, err := p.repo.UpdateVideo(videoID, storage.VideoUpdate{
		Status:             &complete,
		ProcessingDuration: &duration,
	}); err != nil {
		return err
	}
	return nil
}

func (p *scriptedProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []notify.FailurePayload
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, payload notify.FailurePayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

type runnerFixture struct {
	runner   *Runner
	store    *storage.Storage
	queue    *queue.MemoryQueue
	notifier *recordingNotifier
}

func newRunnerFixture(t *testing.T, processor Processor, mutate func(*Config)) *runnerFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	memQueue := queue.NewMemoryQueue()
	notifier := &recordingNotifier{}
	cfg := Config{
		Repository: store,
		Queue:      memQueue,
		Processor:  processor,
		Notifier:   notifier,
		Workers:    2,
		Backoff:    []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
		Logger:     testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(shutdownCtx)
		_ = memQueue.Close()
	})
	return &runnerFixture{runner: r, store: store, queue: memQueue, notifier: notifier}
}

func createPendingVideo(t *testing.T, store *storage.Storage) models.Video {
	t.Helper()
	video, err := store.CreateVideo(storage.CreateVideoParams{
		OwnerID:    "owner-1",
		Title:      "Launch keynote",
		SourcePath: "/uploads/source.mp4",
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	return video
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRunnerProcessesVideoToCompletion(t *testing.T) {
	var fixture *runnerFixture
	var processor *scriptedProcessor
	fixture = newRunnerFixture(t, ProcessorFunc(func(ctx context.Context, id string) error {
		return processor.Process(ctx, id)
	}), nil)
	processor = newScriptedProcessor(fixture.store)

	video := createPendingVideo(t, fixture.store)
	fixture.runner.Start()
	if err := fixture.runner.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, _ := fixture.store.GetVideo(video.ID)
		return got.Status == models.StatusComplete
	})
	got, _ := fixture.store.GetVideo(video.ID)
	if got.ProcessingAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.ProcessingAttempts)
	}
	if fixture.notifier.count() != 0 {
		t.Fatalf("expected no failure notifications")
	}
}

func TestRunnerRetriesThenDeadLetters(t *testing.T) {
	var fixture *runnerFixture
	var processor *scriptedProcessor
	fixture = newRunnerFixture(t, ProcessorFunc(func(ctx context.Context, id string) error {
		return processor.Process(ctx, id)
	}), nil)
	processor = newScriptedProcessor(fixture.store,
		fmt.Errorf("encoder exit 1"),
		fmt.Errorf("encoder exit 1"),
		fmt.Errorf("encoder exit 1"),
	)

	video := createPendingVideo(t, fixture.store)
	fixture.runner.Start()
	if err := fixture.runner.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, _ := fixture.store.GetVideo(video.ID)
		return got.Status == models.StatusFailed
	})

	got, _ := fixture.store.GetVideo(video.ID)
	if got.ProcessingAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.ProcessingAttempts)
	}
	if got.ProcessingError == "" {
		t.Fatalf("expected recorded error")
	}
	if processor.callCount() != 3 {
		t.Fatalf("expected 3 process calls, got %d", processor.callCount())
	}

	letters := fixture.store.ListDeadLetters()
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].VideoID != video.ID || letters[0].Attempts != 3 {
		t.Fatalf("unexpected dead letter %+v", letters[0])
	}
	// The dead letter records when the failed job itself was enqueued, not
	// when the video was created.
	if !letters[0].EnqueuedAt.After(video.CreatedAt) {
		t.Fatalf("expected job enqueue time after video creation, got %v (created %v)",
			letters[0].EnqueuedAt, video.CreatedAt)
	}

	waitFor(t, time.Second, func() bool { return fixture.notifier.count() == 1 })
	payload := fixture.notifier.payloads[0]
	if payload.VideoID != video.ID || payload.Title != video.Title || payload.Attempts != 3 {
		t.Fatalf("unexpected notification %+v", payload)
	}
}

func TestRunnerRecoversAfterTransientFailure(t *testing.T) {
	var fixture *runnerFixture
	var processor *scriptedProcessor
	fixture = newRunnerFixture(t, ProcessorFunc(func(ctx context.Context, id string) error {
		return processor.Process(ctx, id)
	}), nil)
	processor = newScriptedProcessor(fixture.store, fmt.Errorf("flaky network"))

	video := createPendingVideo(t, fixture.store)
	fixture.runner.Start()
	if err := fixture.runner.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, _ := fixture.store.GetVideo(video.ID)
		return got.Status == models.StatusComplete
	})
	got, _ := fixture.store.GetVideo(video.ID)
	if got.ProcessingAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.ProcessingAttempts)
	}
	if len(fixture.store.ListDeadLetters()) != 0 {
		t.Fatalf("expected no dead letters")
	}
}

func TestRunnerFatalErrorSkipsRetries(t *testing.T) {
	var fixture *runnerFixture
	fixture = newRunnerFixture(t, ProcessorFunc(func(context.Context, string) error {
		return pipeline.Fatal("source", fmt.Errorf("source file unavailable"))
	}), nil)

	video := createPendingVideo(t, fixture.store)
	fixture.runner.Start()
	if err := fixture.runner.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, _ := fixture.store.GetVideo(video.ID)
		return got.Status == models.StatusFailed
	})
	got, _ := fixture.store.GetVideo(video.ID)
	if got.ProcessingAttempts != 1 {
		t.Fatalf("expected single attempt for fatal failure, got %d", got.ProcessingAttempts)
	}
	if len(fixture.store.ListDeadLetters()) != 1 {
		t.Fatalf("expected dead letter for fatal failure")
	}
	waitFor(t, time.Second, func() bool { return fixture.notifier.count() == 1 })
}

func TestRunnerBackoffSchedule(t *testing.T) {
	r, err := New(Config{
		Repository: newBareStore(t),
		Queue:      queue.NewMemoryQueue(),
		Processor:  ProcessorFunc(func(context.Context, string) error { return nil }),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	expectations := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, 60 * time.Second},
		{2, 300 * time.Second},
		{3, 600 * time.Second},
		{4, 600 * time.Second},
		{9, 600 * time.Second},
	}
	for _, tc := range expectations {
		if got := r.backoffFor(tc.attempt); got != tc.delay {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.delay, got)
		}
	}
}

func TestRunnerRecoverInterrupted(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	stuck := createPendingVideo(t, store)
	if _, err := store.ClaimVideoForProcessing(stuck.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	idle := createPendingVideo(t, store)

	processor := newScriptedProcessor(store)
	memQueue := queue.NewMemoryQueue()
	r, err := New(Config{
		Repository: store,
		Queue:      memQueue,
		Processor:  processor,
		Workers:    2,
		Backoff:    []time.Duration{time.Millisecond},
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(shutdownCtx)
		_ = memQueue.Close()
	})
	r.Start()

	waitFor(t, 5*time.Second, func() bool {
		first, _ := store.GetVideo(stuck.ID)
		second, _ := store.GetVideo(idle.ID)
		return first.Status == models.StatusComplete && second.Status == models.StatusComplete
	})
}

func TestRunnerDropsJobForCompleteVideo(t *testing.T) {
	var fixture *runnerFixture
	var processor *scriptedProcessor
	fixture = newRunnerFixture(t, ProcessorFunc(func(ctx context.Context, id string) error {
		return processor.Process(ctx, id)
	}), nil)
	processor = newScriptedProcessor(fixture.store)

	video := createPendingVideo(t, fixture.store)
	fixture.runner.Start()
	if err := fixture.runner.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		got, _ := fixture.store.GetVideo(video.ID)
		return got.Status == models.StatusComplete
	})

	// A duplicate job for a finished video is dropped at the claim.
	if err := fixture.runner.Submit(context.Background(), video.ID); err != nil {
		t.Fatalf("Submit duplicate: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fixture.queue.Len() == 0 })
	if processor.callCount() != 1 {
		t.Fatalf("expected no reprocessing, got %d calls", processor.callCount())
	}
}

// recordingQueue captures enqueued jobs for inspection without delivering them.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.ProcessingJob
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.ProcessingJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context) (models.ProcessingJob, error) {
	<-ctx.Done()
	return models.ProcessingJob{}, ctx.Err()
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) jobFor(videoID string) (models.ProcessingJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.VideoID == videoID {
			return job, true
		}
	}
	return models.ProcessingJob{}, false
}

// exhaustAttempts cycles a video through claim/pending until it sits in
// processing with the given attempt count, as if a worker crashed mid-attempt.
func exhaustAttempts(t *testing.T, store *storage.Storage, attempts int) models.Video {
	t.Helper()
	video := createPendingVideo(t, store)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			pending := models.StatusPending
			if _, err := store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &pending}); err != nil {
				t.Fatalf("reset to pending: %v", err)
			}
		}
		claimed, err := store.ClaimVideoForProcessing(video.ID)
		if err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
		video = claimed
	}
	return video
}

func TestRunnerRecoveryDeadLettersVideoAtAttemptCap(t *testing.T) {
	store := newBareStore(t)
	video := exhaustAttempts(t, store, 3)

	processor := newScriptedProcessor(store)
	notifier := &recordingNotifier{}
	captured := &recordingQueue{}
	r, err := New(Config{
		Repository:  store,
		Queue:       captured,
		Processor:   processor,
		Notifier:    notifier,
		MaxAttempts: 3,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.recoverInterrupted()

	got, _ := store.GetVideo(video.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed status after interrupted final attempt, got %s", got.Status)
	}
	if got.ProcessingAttempts != 3 {
		t.Fatalf("expected attempts to stay at the cap, got %d", got.ProcessingAttempts)
	}
	if _, queuedAgain := captured.jobFor(video.ID); queuedAgain {
		t.Fatalf("expected no requeue for a video at the attempt cap")
	}
	if processor.callCount() != 0 {
		t.Fatalf("expected no further processing, got %d calls", processor.callCount())
	}
	letters := store.ListDeadLetters()
	if len(letters) != 1 || letters[0].VideoID != video.ID || letters[0].Attempts != 3 {
		t.Fatalf("expected dead letter at the cap, got %+v", letters)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.count())
	}
}

func TestRunnerRecoveryCarriesBackoffForRetryPendingVideos(t *testing.T) {
	store := newBareStore(t)
	fresh := createPendingVideo(t, store)
	retried := exhaustAttempts(t, store, 1)
	pending := models.StatusPending
	if _, err := store.UpdateVideo(retried.ID, storage.VideoUpdate{Status: &pending}); err != nil {
		t.Fatalf("reset to pending: %v", err)
	}

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	captured := &recordingQueue{}
	r, err := New(Config{
		Repository: store,
		Queue:      captured,
		Processor:  ProcessorFunc(func(context.Context, string) error { return nil }),
		Backoff:    []time.Duration{60 * time.Second, 300 * time.Second},
		Logger:     testLogger(),
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.recoverInterrupted()

	freshJob, ok := captured.jobFor(fresh.ID)
	if !ok {
		t.Fatalf("expected fresh pending video requeued")
	}
	if !freshJob.NotBefore.IsZero() {
		t.Fatalf("expected immediate delivery for a video with no attempts, got %v", freshJob.NotBefore)
	}

	retryJob, ok := captured.jobFor(retried.ID)
	if !ok {
		t.Fatalf("expected retry-pending video requeued")
	}
	if want := now.Add(60 * time.Second); !retryJob.NotBefore.Equal(want) {
		t.Fatalf("expected backoff carried across restart (not before %v), got %v", want, retryJob.NotBefore)
	}
}

func newBareStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}
