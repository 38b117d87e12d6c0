package sqlite

import (
	"context"
	"testing"

	"github.com/bobd/bob"
)

func testChunk(source, title, content string) bob.Chunk {
	return bob.Chunk{
		ID:        bob.NewID(),
		Source:    source,
		Title:     title,
		Content:   content,
		Preview:   content,
		CreatedAt: bob.NowUnixMilli(),
	}
}

func TestSourceFingerprintRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fp, err := s.SourceFingerprint(ctx, "memory:unknown")
	if err != nil {
		t.Fatalf("SourceFingerprint: %v", err)
	}
	if fp != "" {
		t.Errorf("unknown source should have empty fingerprint, got %q", fp)
	}

	if err := s.ReplaceSource(ctx, "memory:notes", "abc123", []bob.Chunk{
		testChunk("memory:notes", "Notes", "hello world"),
	}); err != nil {
		t.Fatalf("ReplaceSource: %v", err)
	}
	fp, err = s.SourceFingerprint(ctx, "memory:notes")
	if err != nil {
		t.Fatalf("SourceFingerprint: %v", err)
	}
	if fp != "abc123" {
		t.Errorf("fingerprint = %q, want abc123", fp)
	}
}

func TestReplaceSourceSwapsChunks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := testChunk("memory:notes", "Old", "the kettle is broken")
	if err := s.ReplaceSource(ctx, "memory:notes", "v1", []bob.Chunk{old}); err != nil {
		t.Fatalf("ReplaceSource v1: %v", err)
	}
	if err := s.PutEmbedding(ctx, old.ID, []float32{1, 0}); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	replacement := testChunk("memory:notes", "New", "the kettle was repaired")
	if err := s.ReplaceSource(ctx, "memory:notes", "v2", []bob.Chunk{replacement}); err != nil {
		t.Fatalf("ReplaceSource v2: %v", err)
	}

	// Old content is gone from keyword search, new content is findable.
	hits, err := s.SearchKeyword(ctx, "broken", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("old chunk still in fts index: %d hits", len(hits))
	}
	hits, err = s.SearchKeyword(ctx, "repaired", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != replacement.ID {
		t.Errorf("new chunk not findable: %+v", hits)
	}

	// The replacement starts without an embedding.
	missing, err := s.ChunksMissingEmbedding(ctx, 10)
	if err != nil {
		t.Fatalf("ChunksMissingEmbedding: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != replacement.ID {
		t.Errorf("expected only the new chunk to need embedding, got %+v", missing)
	}
}

func TestSearchKeywordScoresAndBreadcrumbs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := testChunk("journal:2026/08-20", "Groceries", "buy oat milk and coffee beans")
	c.Breadcrumbs = []string{"August", "Week 34"}
	if err := s.ReplaceSource(ctx, c.Source, "fp", []bob.Chunk{c}); err != nil {
		t.Fatalf("ReplaceSource: %v", err)
	}

	hits, err := s.SearchKeyword(ctx, `coffee "beans`, 5)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Score < 0 {
		t.Errorf("score should be non-negative, got %f", hits[0].Score)
	}
	if len(hits[0].Breadcrumbs) != 2 || hits[0].Breadcrumbs[0] != "August" {
		t.Errorf("breadcrumbs not round-tripped: %v", hits[0].Breadcrumbs)
	}
}

func TestSearchKeywordMatchesSourceTag(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := testChunk("journal:2026/08-20", "Morning", "slept well, long run before work")
	if err := s.ReplaceSource(ctx, c.Source, "fp", []bob.Chunk{c}); err != nil {
		t.Fatalf("ReplaceSource: %v", err)
	}

	// Neither title nor body contains the word; the source tag does.
	hits, err := s.SearchKeyword(ctx, "journal", 5)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != c.ID {
		t.Errorf("source tag not searchable: %+v", hits)
	}
}

func TestSearchKeywordEmptyQuery(t *testing.T) {
	s := testStore(t)
	hits, err := s.SearchKeyword(context.Background(), `   ""  `, 5)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("empty query should return nothing, got %d", len(hits))
	}
}

func TestSearchVectorOrdersBySimilarity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	near := testChunk("memory:a", "Near", "close match")
	far := testChunk("memory:a", "Far", "distant match")
	unembedded := testChunk("memory:a", "Pending", "no vector yet")
	if err := s.ReplaceSource(ctx, "memory:a", "fp", []bob.Chunk{near, far, unembedded}); err != nil {
		t.Fatalf("ReplaceSource: %v", err)
	}
	if err := s.PutEmbedding(ctx, near.ID, []float32{1, 0}); err != nil {
		t.Fatalf("PutEmbedding near: %v", err)
	}
	if err := s.PutEmbedding(ctx, far.ID, []float32{0, 1}); err != nil {
		t.Fatalf("PutEmbedding far: %v", err)
	}

	hits, err := s.SearchVector(ctx, []float32{0.9, 0.1}, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 embedded hits, got %d", len(hits))
	}
	if hits[0].ID != near.ID {
		t.Errorf("nearest chunk should rank first, got %s", hits[0].Title)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %f then %f", hits[0].Score, hits[1].Score)
	}

	// topK truncation.
	one, err := s.SearchVector(ctx, []float32{0.9, 0.1}, 1)
	if err != nil {
		t.Fatalf("SearchVector topK=1: %v", err)
	}
	if len(one) != 1 || one[0].ID != near.ID {
		t.Errorf("topK=1 should keep only the nearest, got %+v", one)
	}
}

func TestFTSQueryQuoting(t *testing.T) {
	cases := map[string]string{
		"hello world":    `"hello" "world"`,
		`with "quotes"`:  `"with" "quotes"`,
		"  spaced   out": `"spaced" "out"`,
		`""`:             "",
		"":               "",
	}
	for in, want := range cases {
		if got := ftsQuery(in); got != want {
			t.Errorf("ftsQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
