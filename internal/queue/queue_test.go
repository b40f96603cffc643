package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vellum-mail/vellum/internal/models"
	"github.com/vellum-mail/vellum/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnqueueDequeueDeliverLifecycle(t *testing.T) {
	q := New(openTestDB(t))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "a@x", "b@y", []byte("body"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.DequeueReady(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("expected single claimed entry %d, got %+v", id, claimed)
	}
	if claimed[0].Status != models.StatusProcessing || claimed[0].Attempts != 1 {
		t.Fatalf("expected processing/attempts=1, got %+v", claimed[0])
	}

	// A second sweep must not re-claim the same entry.
	again, err := q.DequeueReady(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("dequeue again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no re-claim while processing, got %+v", again)
	}

	if err := q.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Delivered != 1 || stats.Total != 1 {
		t.Fatalf("expected 1 delivered of 1 total, got %+v", stats)
	}
}

func TestMarkFailedReschedulesUntilMaxAttempts(t *testing.T) {
	q := New(openTestDB(t), WithMaxAttempts(2), WithBackoff(time.Millisecond, time.Second))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "a@x", "b@y", []byte("body"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.DequeueReady(ctx, time.Now().UTC(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("dequeue: %v claimed=%v", err, claimed)
	}
	if err := q.MarkFailed(ctx, id, "connection refused"); err != nil {
		t.Fatalf("mark failed (1st): %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Retry != 1 {
		t.Fatalf("expected entry to be in retry after first failure, got %+v", stats)
	}

	claimed, err = q.DequeueReady(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("second dequeue: %v claimed=%v", err, claimed)
	}
	if claimed[0].Attempts != 2 {
		t.Fatalf("expected attempts=2 on second claim, got %d", claimed[0].Attempts)
	}
	if err := q.MarkFailed(ctx, id, "connection refused again"); err != nil {
		t.Fatalf("mark failed (2nd): %v", err)
	}

	stats, err = q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 1 || stats.Retry != 0 {
		t.Fatalf("expected terminal failure after max_attempts, got %+v", stats)
	}
}

func TestMarkFailedInvokesBounceOnTerminalFailure(t *testing.T) {
	var bounced *models.QueueEntry
	q := New(openTestDB(t), WithMaxAttempts(1), WithBounceFunc(func(ctx context.Context, e models.QueueEntry) {
		e2 := e
		bounced = &e2
	}))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "a@x", "b@y", []byte("body"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueReady(ctx, time.Now().UTC(), 10); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.MarkFailed(ctx, id, "no route to host"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if bounced == nil || bounced.ID != id {
		t.Fatalf("expected bounce callback to fire for id %d, got %+v", id, bounced)
	}
}

func TestDequeueReadyRespectsNextRetry(t *testing.T) {
	q := New(openTestDB(t))
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "a@x", "b@y", []byte("body")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	claimed, err := q.DequeueReady(ctx, past, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected nothing ready before created_at, got %+v", claimed)
	}
}

func TestProcessDomainReschedulesMatchingRecipients(t *testing.T) {
	q := New(openTestDB(t))
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "a@x", "user@example.com", []byte("body")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "a@x", "user@other.com", []byte("body")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.DequeueReady(ctx, time.Now().UTC(), 10)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("dequeue: %v claimed=%v", err, claimed)
	}
	for _, e := range claimed {
		if err := q.MarkFailed(ctx, e.ID, "temp fail"); err != nil {
			t.Fatalf("mark failed %d: %v", e.ID, err)
		}
	}

	n, err := q.PendingCountForDomain(ctx, "example.com")
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending entry for example.com, got %d", n)
	}

	affected, err := q.ProcessDomain(ctx, "example.com")
	if err != nil {
		t.Fatalf("process domain: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected ETRN to reschedule 1 entry, got %d", affected)
	}

	claimed, err = q.DequeueReady(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("dequeue after etrn: %v", err)
	}
	if len(claimed) != 1 || claimed[0].To != "user@example.com" {
		t.Fatalf("expected only the example.com entry ready, got %+v", claimed)
	}
}

func TestNextRetryCapsAtMaxBackoff(t *testing.T) {
	base := 60 * time.Second
	maxBackoff := 300 * time.Second

	next := NextRetry(base, 10, maxBackoff)
	delay := time.Until(next)
	if delay > maxBackoff+time.Second || delay < maxBackoff-10*time.Second {
		t.Fatalf("expected delay capped near %v, got %v", maxBackoff, delay)
	}
}
