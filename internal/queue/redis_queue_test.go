package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*RunQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRunQueue(client, visibility), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	jobID, err := q.DequeueWithLease(ctx)
	if err != nil || jobID != "job-1" {
		t.Fatalf("dequeue: got %q err=%v", jobID, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready queue, got %d", depth)
	}

	// Nothing else ready.
	jobID, err = q.DequeueWithLease(ctx)
	if err != nil || jobID != "" {
		t.Fatalf("expected empty dequeue, got %q err=%v", jobID, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("acked run must not be reclaimed, got %v err=%v", reclaimed, err)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 50*time.Millisecond)

	_ = q.Enqueue(ctx, "job-1")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Before the lease deadline nothing is reclaimed.
	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("expected no reclaim yet, got %v err=%v", reclaimed, err)
	}

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil || len(reclaimed) != 1 || reclaimed[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v err=%v", reclaimed, err)
	}

	jobID, err := q.DequeueWithLease(ctx)
	if err != nil || jobID != "job-1" {
		t.Fatalf("expected reclaimed run dequeued, got %q err=%v", jobID, err)
	}
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 50*time.Millisecond)

	_ = q.Enqueue(ctx, "job-1")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// The original lease would have expired by +100ms; extending from a
	// later wall-clock keeps it alive.
	time.Sleep(60 * time.Millisecond)
	if err := q.ExtendLease(ctx, "job-1"); err != nil {
		t.Fatalf("extend: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("extended lease must not be reclaimed, got %v err=%v", reclaimed, err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	_ = q.Enqueue(ctx, "job-1")
	_ = q.Enqueue(ctx, "job-2")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// job-1 is in-flight, job-2 still ready; remove both.
	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("remove in-flight: %v", err)
	}
	if err := q.Remove(ctx, "job-2"); err != nil {
		t.Fatalf("remove ready: %v", err)
	}

	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready queue, got %d", depth)
	}
	reclaimed, _ := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if len(reclaimed) != 0 {
		t.Fatalf("removed run must not be reclaimed, got %v", reclaimed)
	}
}
