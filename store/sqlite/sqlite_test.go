package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bobd/bob"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestAppendAndRecentMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	texts := []string{"first", "second", "third"}
	for i, text := range texts {
		m := bob.Message{
			ID:        bob.NewID(),
			ChatID:    7,
			Role:      bob.RoleUser,
			Text:      text,
			CreatedAt: int64(1000 + i),
		}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.RecentMessages(ctx, 7, 0, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Text != "first" || got[2].Text != "third" {
		t.Errorf("messages not chronological: %q, %q", got[0].Text, got[2].Text)
	}

	// Limit keeps the newest, still chronological.
	got2, err := s.RecentMessages(ctx, 7, 0, 2)
	if err != nil {
		t.Fatalf("RecentMessages limit: %v", err)
	}
	if len(got2) != 2 || got2[0].Text != "second" || got2[1].Text != "third" {
		t.Errorf("limit 2: expected [second third], got %+v", got2)
	}
}

func TestRecentMessagesThreadIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, th := range []int64{0, 5, 5} {
		m := bob.Message{
			ID:        bob.NewID(),
			ChatID:    1,
			ThreadID:  th,
			Role:      bob.RoleUser,
			Text:      "m",
			CreatedAt: int64(i),
		}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	inThread, err := s.RecentMessages(ctx, 1, 5, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(inThread) != 2 {
		t.Errorf("thread 5: expected 2 messages, got %d", len(inThread))
	}
	root, err := s.RecentMessages(ctx, 1, 0, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(root) != 1 {
		t.Errorf("thread 0: expected 1 message, got %d", len(root))
	}
}

func TestPruneMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := bob.Message{
		ID: bob.NewID(), ChatID: 1, Role: bob.RoleUser, Text: "old",
		CreatedAt: bob.NowUnixMilli() - 100*24*60*60*1000,
	}
	fresh := bob.Message{
		ID: bob.NewID(), ChatID: 1, Role: bob.RoleUser, Text: "fresh",
		CreatedAt: bob.NowUnixMilli(),
	}
	for _, m := range []bob.Message{old, fresh} {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	n, err := s.PruneMessages(ctx, 90)
	if err != nil {
		t.Fatalf("PruneMessages: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	got, _ := s.RecentMessages(ctx, 1, 0, 10)
	if len(got) != 1 || got[0].Text != "fresh" {
		t.Errorf("expected only the fresh message to survive, got %+v", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors: got %f, want ~1", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got > 0.001 {
		t.Errorf("orthogonal vectors: got %f, want ~0", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("zero vector: got %f, want 0", got)
	}
	if got := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("mismatched dims: got %f, want 0", got)
	}
}
