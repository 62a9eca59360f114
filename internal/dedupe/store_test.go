package dedupe

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"), 7, slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_MarkThenHas(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok, err := s.HasProcessed(ctx, "ntfy_msg_m1")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if ok {
		t.Fatal("fresh store should not contain the key")
	}

	err = s.MarkProcessed(ctx, domain.ProcessedRecord{
		DedupeKey:   "ntfy_msg_m1",
		MessageID:   "m1",
		Topic:       "ask",
		RequestID:   "req-1",
		MessageHash: HashText("CLAUDE: add logging"),
	})
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	ok, err = s.HasProcessed(ctx, "ntfy_msg_m1")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if !ok {
		t.Fatal("key should be present after MarkProcessed")
	}
}

func TestStore_DuplicateMarkIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := domain.ProcessedRecord{
		DedupeKey: "k", MessageID: "m1", Topic: "ask",
		RequestID: "req-1", MessageHash: HashText("first"),
	}
	if err := s.MarkProcessed(ctx, rec); err != nil {
		t.Fatalf("first mark: %v", err)
	}

	rec.RequestID = "req-2"
	rec.Topic = "ask-codex"
	rec.MessageHash = HashText("second")
	if err := s.MarkProcessed(ctx, rec); err != nil {
		t.Fatalf("duplicate mark must not error: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("record missing")
	}
	if got.RequestID != "req-2" {
		t.Errorf("duplicate mark should overwrite: got requestID %q", got.RequestID)
	}
	if got.Topic != "ask-codex" || got.MessageHash != HashText("second") {
		t.Errorf("overwrite should cover every non-key column: got topic %q hash %q", got.Topic, got.MessageHash)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected a single row, got %d", n)
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := domain.ProcessedRecord{
		DedupeKey:   "old",
		ProcessedAt: time.Now().Add(-8 * 24 * time.Hour),
	}
	fresh := domain.ProcessedRecord{
		DedupeKey:   "fresh",
		ProcessedAt: time.Now(),
	}
	if err := s.MarkProcessed(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired row deleted, got %d", n)
	}

	ok, _ := s.HasProcessed(ctx, "fresh")
	if !ok {
		t.Error("fresh record should survive the sweep")
	}
	ok, _ = s.HasProcessed(ctx, "old")
	if ok {
		t.Error("expired record should be gone")
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	s, err := NewStore(path, 7, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(ctx, domain.ProcessedRecord{DedupeKey: "persist"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Simulates crash-and-restart between record-insert and execution.
	s2, err := NewStore(path, 7, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	ok, err := s2.HasProcessed(ctx, "persist")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("ledger must survive process restart")
	}
}
