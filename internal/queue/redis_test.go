package queue

import (
	"context"
	"testing"
	"time"

	"streamforge/internal/models"
	"streamforge/internal/testsupport/redisstub"
)

func startRedisQueue(t *testing.T, opts redisstub.Options, mutate func(*RedisQueueConfig)) (*RedisQueue, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	cfg := RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     opts.Password,
		PollInterval: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close()
	})
	return q, srv
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, _ := startRedisQueue(t, redisstub.Options{Password: "secret"}, nil)

	ctx := context.Background()
	job := models.ProcessingJob{
		ID:         "job-1",
		VideoID:    "vid-1",
		Queue:      DefaultName,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
		Timeout:    time.Hour,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dequeued, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if dequeued.ID != job.ID || dequeued.VideoID != job.VideoID || dequeued.Attempt != job.Attempt {
		t.Fatalf("round trip mismatch: %+v", dequeued)
	}
	if dequeued.Timeout != time.Hour {
		t.Fatalf("expected timeout to survive encoding, got %v", dequeued.Timeout)
	}
}

func TestRedisQueueDelayedJobInvisibleUntilDue(t *testing.T) {
	q, srv := startRedisQueue(t, redisstub.Options{}, nil)

	ctx := context.Background()
	job := models.ProcessingJob{
		ID:        "job-delayed",
		VideoID:   "vid-1",
		NotBefore: time.Now().UTC().Add(time.Hour),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(shortCtx); err == nil {
		t.Fatalf("expected delayed job to stay invisible")
	}
	if members := srv.Members(q.key); len(members) != 1 {
		t.Fatalf("expected job to remain queued, got %d members", len(members))
	}
}

func TestRedisQueueOrdersBySchedule(t *testing.T) {
	q, _ := startRedisQueue(t, redisstub.Options{}, nil)

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"job-c", "job-a", "job-b"} {
		offset := time.Duration(2-i) * time.Second
		job := models.ProcessingJob{
			ID:        id,
			VideoID:   "vid-" + id,
			NotBefore: base.Add(offset),
		}
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	// job-b has the earliest schedule, then job-a, then job-c.
	for _, want := range []string{"job-b", "job-a", "job-c"} {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if job.ID != want {
			t.Fatalf("expected %s, got %s", want, job.ID)
		}
	}
}

func TestRedisQueueTLS(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{EnableTLS: true})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		PollInterval: 50 * time.Millisecond,
		TLS: RedisTLSConfig{
			InsecureSkipVerify: true,
		},
	})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close()
	})

	ctx := context.Background()
	if err := q.Enqueue(ctx, models.ProcessingJob{ID: "job-tls", VideoID: "vid-1"}); err != nil {
		t.Fatalf("Enqueue over TLS: %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue over TLS: %v", err)
	}
	if job.ID != "job-tls" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRedisQueueRejectsJobWithoutVideoID(t *testing.T) {
	q, _ := startRedisQueue(t, redisstub.Options{}, nil)
	if err := q.Enqueue(context.Background(), models.ProcessingJob{ID: "job-1"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
