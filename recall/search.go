package recall

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/bobd/bob"
)

const (
	// rrfK is the reciprocal-rank-fusion constant: score = Σ 1/(k+rank).
	rrfK = 60
	// defaultTopK is the result count when the caller passes none.
	defaultTopK = 8
	// perPathMultiplier over-fetches each path so fusion has room to work.
	perPathMultiplier = 2
)

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithSearcherLogger sets a structured logger.
func WithSearcherLogger(l *slog.Logger) SearcherOption {
	return func(s *Searcher) { s.logger = l }
}

// Searcher answers recall queries by fusing keyword (FTS5) and vector
// (cosine) rankings with reciprocal rank fusion. Either path failing is
// logged and swallowed; results degrade to the surviving path rather than
// erroring the whole query.
type Searcher struct {
	store    bob.RecallStore
	embedder bob.Embedder
	logger   *slog.Logger
}

// NewSearcher wires a hybrid searcher. embedder may be nil, which disables
// the vector path.
func NewSearcher(store bob.RecallStore, embedder bob.Embedder, opts ...SearcherOption) *Searcher {
	s := &Searcher{store: store, embedder: embedder, logger: bob.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search returns the topK fused results for a free-text query.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]bob.SearchHit, error) {
	start := time.Now()
	if topK <= 0 {
		topK = defaultTopK
	}
	fetch := topK * perPathMultiplier

	ftsResults, err := s.store.SearchKeyword(ctx, query, fetch)
	if err != nil {
		s.logger.Warn("recall: keyword path failed", "error", err)
		ftsResults = nil
	}

	var vecResults []bob.ScoredChunk
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{query})
		if err != nil || len(vecs) == 0 {
			s.logger.Warn("recall: query embedding failed", "error", err)
		} else {
			vecResults, err = s.store.SearchVector(ctx, vecs[0], fetch)
			if err != nil {
				s.logger.Warn("recall: vector path failed", "error", err)
				vecResults = nil
			}
		}
	}

	hits := fuse(ftsResults, vecResults, topK)
	s.logger.Debug("recall: search ok",
		"query", query, "fts", len(ftsResults), "vector", len(vecResults),
		"returned", len(hits), "duration", time.Since(start))
	return hits, nil
}

// fuse merges the two rankings with reciprocal rank fusion. A chunk present
// in both lists gets both contributions and the hybrid match type.
func fuse(fts, vec []bob.ScoredChunk, topK int) []bob.SearchHit {
	byID := map[string]*bob.SearchHit{}
	var order []string

	add := func(results []bob.ScoredChunk, match bob.MatchType) {
		for rank, r := range results {
			contribution := float32(1) / float32(rrfK+rank+1)
			if hit, ok := byID[r.ID]; ok {
				hit.Score += contribution
				if hit.MatchType != match {
					hit.MatchType = bob.MatchHybrid
				}
				continue
			}
			byID[r.ID] = &bob.SearchHit{Chunk: r.Chunk, Score: contribution, MatchType: match}
			order = append(order, r.ID)
		}
	}
	add(fts, bob.MatchFTS)
	add(vec, bob.MatchVector)

	hits := make([]bob.SearchHit, 0, len(order))
	for _, id := range order {
		hits = append(hits, *byID[id])
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
