package ratelimit

import (
	"testing"
	"time"
)

func TestCheckAndIncrementTieBreak(t *testing.T) {
	l := New(2, 200, 60)

	if !l.CheckAndIncrement("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if !l.CheckAndIncrement("10.0.0.1") {
		t.Fatal("second request should be allowed")
	}
	if l.CheckAndIncrement("10.0.0.1") {
		t.Fatal("third request should be rejected: count==limit rejects")
	}
}

func TestWindowResetAfterExpiry(t *testing.T) {
	w := newWindow(1, 20*time.Millisecond)
	if !w.checkAndIncrement("a") {
		t.Fatal("first should be allowed")
	}
	if w.checkAndIncrement("a") {
		t.Fatal("second within window should be rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if !w.checkAndIncrement("a") {
		t.Fatal("request after window elapsed should be allowed")
	}
}

func TestIndependentIdentities(t *testing.T) {
	l := New(1, 1, 60)
	if !l.CheckAndIncrement("1.1.1.1") {
		t.Fatal("ip1 first request allowed")
	}
	if !l.CheckAndIncrement("2.2.2.2") {
		t.Fatal("ip2 is independent of ip1")
	}
	if !l.CheckAndIncrementUser("alice") {
		t.Fatal("user limiter independent of ip limiter")
	}
}

func TestCleanupDropsOnlyOldBuckets(t *testing.T) {
	w := newWindow(5, 10*time.Millisecond) // 2*period is under a second, so newWindow clamps bucketSz to 1
	w.bucketSz = 1                         // 1-second buckets for a fast test

	w.checkAndIncrement("stale")
	// Force the stale identity into a bucket far in the past.
	w.mu.Lock()
	c := w.counters["stale"]
	delete(w.buckets[c.bucketKey], "stale")
	current := w.bucketKey(time.Now())
	oldBk := current - 5
	c.bucketKey = oldBk
	w.buckets[oldBk] = map[string]struct{}{"stale": {}}
	w.mu.Unlock()

	w.checkAndIncrement("fresh")

	w.cleanup()

	w.mu.Lock()
	_, staleTracked := w.counters["stale"]
	_, freshTracked := w.counters["fresh"]
	w.mu.Unlock()

	if staleTracked && current-oldBk >= 2 {
		t.Fatal("stale identity should have been collected")
	}
	if !freshTracked {
		t.Fatal("fresh identity in the current bucket must survive cleanup")
	}
}

func TestRemaining(t *testing.T) {
	l := New(3, 3, 60)
	if got := l.Remaining("1.2.3.4"); got != 3 {
		t.Fatalf("remaining before any requests = %d, want 3", got)
	}
	l.CheckAndIncrement("1.2.3.4")
	if got := l.Remaining("1.2.3.4"); got != 2 {
		t.Fatalf("remaining after one request = %d, want 2", got)
	}
}
