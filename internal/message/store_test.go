package message

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

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

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()

	id, err := s.Store(ctx, "b@local", "msg-1@x", "a@x", []string{"b@local"}, "hi", "From: a@x\r\n", []byte("hi\r\n"), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero row id")
	}

	got, err := s.Retrieve(ctx, "b@local", "msg-1@x")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.Sender != "a@x" || string(got.Body) != "hi\r\n" || got.Size != int64(len("hi\r\n")) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestStoreRejectsEmptyRecipients(t *testing.T) {
	s := New(openTestDB(t))
	if _, err := s.Store(context.Background(), "b@local", "msg-2@x", "a@x", nil, "", "", []byte("x"), nil); err != ErrNoRecipients {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Store(ctx, "b@local", fmtID(i), "a@x", []string{"b@local"}, "s", "", []byte("body"), nil); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	msgs, err := s.List(ctx, "b@local", "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
}

func TestSetFlagsMoveDelete(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	if _, err := s.Store(ctx, "b@local", "msg-flags", "a@x", []string{"b@local"}, "s", "", []byte("body"), nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := s.SetFlags(ctx, "b@local", "msg-flags", models.FlagSeen); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	m, err := s.Retrieve(ctx, "b@local", "msg-flags")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !m.Flags.Has(models.FlagSeen) {
		t.Fatal("expected seen flag to be set")
	}

	if err := s.Move(ctx, "b@local", "msg-flags", "Archive"); err != nil {
		t.Fatalf("move: %v", err)
	}
	m, _ = s.Retrieve(ctx, "b@local", "msg-flags")
	if m.Folder != "Archive" {
		t.Fatalf("expected folder Archive, got %s", m.Folder)
	}

	if err := s.Delete(ctx, "b@local", "msg-flags"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Retrieve(ctx, "b@local", "msg-flags"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSearchDegradesToSubstring(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()
	if _, err := s.Store(ctx, "b@local", "msg-search", "alice@example.com", []string{"b@local"}, "invoice attached", "", []byte("please find the invoice"), nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	results, err := s.Search(ctx, "b@local", "invoice", SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search hit")
	}
}

func TestStoreAnnotatesAuthResults(t *testing.T) {
	s := New(openTestDB(t))
	ctx := context.Background()

	auth := &models.AuthResults{SPF: "pass", DKIM: "fail"}
	if _, err := s.Store(ctx, "b@local", "msg-auth", "a@x", []string{"b@local"}, "s", "X-Test: 1\r\n", []byte("body"), auth); err != nil {
		t.Fatalf("store: %v", err)
	}

	m, err := s.Retrieve(ctx, "b@local", "msg-auth")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.Contains(m.Headers, "Authentication-Results") || !strings.Contains(m.Headers, "spf=pass") || !strings.Contains(m.Headers, "dkim=fail") {
		t.Fatalf("expected auth-results header in headers, got %q", m.Headers)
	}
}

func fmtID(i int) string {
	digits := "0123456789"
	return "msg-" + string(digits[i]) + "@x"
}
