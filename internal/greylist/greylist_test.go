package greylist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vellum-mail/vellum/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckTripletLifecycle(t *testing.T) {
	db := openTestDB(t)
	cfg := Config{InitialDelay: 30 * time.Millisecond, RetryWindow: time.Hour, AutoWhitelistAfter: 24 * time.Hour}
	l, err := New(context.Background(), db, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if l.CheckTriplet(ctx, "1.2.3.4", "a@x", "b@local") {
		t.Fatal("first observation must be deferred")
	}
	if l.CheckTriplet(ctx, "1.2.3.4", "a@x", "b@local") {
		t.Fatal("retry before initial_delay must still be deferred")
	}

	time.Sleep(40 * time.Millisecond)
	if !l.CheckTriplet(ctx, "1.2.3.4", "a@x", "b@local") {
		t.Fatal("retry after initial_delay must be allowed")
	}
	if !l.CheckTriplet(ctx, "1.2.3.4", "a@x", "b@local") {
		t.Fatal("subsequent calls must remain allowed")
	}
}

func TestCheckTripletIndependentKeys(t *testing.T) {
	db := openTestDB(t)
	l, err := New(context.Background(), db, DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if l.CheckTriplet(ctx, "1.1.1.1", "a@x", "b@local") {
		t.Fatal("first triplet defers")
	}
	if l.CheckTriplet(ctx, "2.2.2.2", "a@x", "b@local") {
		t.Fatal("different IP is a different triplet key, should also defer")
	}
}

func TestSweepPurgesStaleEntries(t *testing.T) {
	db := openTestDB(t)
	cfg := Config{InitialDelay: time.Millisecond, RetryWindow: time.Millisecond, AutoWhitelistAfter: time.Millisecond}
	l, err := New(context.Background(), db, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	l.CheckTriplet(ctx, "9.9.9.9", "a@x", "b@local")

	time.Sleep(5 * time.Millisecond)
	n, err := l.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one purged entry")
	}
}
