package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bobd/bob"
)

// SourceFingerprint returns the stored content fingerprint for a source,
// or "" when the source has never been indexed.
func (s *Store) SourceFingerprint(ctx context.Context, source string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM sources WHERE source = ?`, source).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("source fingerprint: %w", err)
	}
	return fp, nil
}

// ReplaceSource atomically swaps a source's chunk set: old chunks and their
// FTS rows are deleted, new chunks inserted, and the fingerprint updated,
// all in one transaction. Embeddings for the new chunks start empty and are
// backfilled by the indexer.
func (s *Store) ReplaceSource(ctx context.Context, source, fingerprint string, chunks []bob.Chunk) error {
	start := time.Now()
	s.logger.Debug("sqlite: replace source", "source", source, "chunks", len(chunks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace source: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE source = ?)`, source); err != nil {
		return fmt.Errorf("replace source: clear fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return fmt.Errorf("replace source: clear chunks: %w", err)
	}

	for _, c := range chunks {
		crumbs, _ := json.Marshal(c.Breadcrumbs)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, source, title, breadcrumbs, content, preview,
				line_start, line_end, token_count, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
			c.ID, c.Source, c.Title, string(crumbs), c.Content, c.Preview,
			c.LineStart, c.LineEnd, c.TokenCount, c.CreatedAt); err != nil {
			return fmt.Errorf("replace source: insert chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (chunk_id, source, title, content) VALUES (?, ?, ?, ?)`,
			c.ID, c.Source, c.Title, c.Content); err != nil {
			return fmt.Errorf("replace source: insert fts: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sources (source, fingerprint, indexed_at) VALUES (?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET fingerprint = excluded.fingerprint, indexed_at = excluded.indexed_at`,
		source, fingerprint, bob.NowUnixMilli()); err != nil {
		return fmt.Errorf("replace source: upsert fingerprint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace source: commit: %w", err)
	}
	s.logger.Debug("sqlite: replace source ok", "source", source, "chunks", len(chunks), "duration", time.Since(start))
	return nil
}

// ChunksMissingEmbedding returns chunks that have no stored embedding.
func (s *Store) ChunksMissingEmbedding(ctx context.Context, limit int) ([]bob.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, title, breadcrumbs, content, preview, line_start, line_end, token_count, created_at
		 FROM chunks WHERE embedding IS NULL ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("chunks missing embedding: %w", err)
	}
	defer rows.Close()

	var chunks []bob.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// PutEmbedding stores a chunk's embedding vector.
func (s *Store) PutEmbedding(ctx context.Context, chunkID string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET embedding = ? WHERE id = ?`, serializeEmbedding(vec), chunkID)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

// SearchKeyword performs full-text keyword search over chunks using SQLite
// FTS5. Scores are negated BM25 rank, so higher is better.
func (s *Store) SearchKeyword(ctx context.Context, query string, topK int) ([]bob.ScoredChunk, error) {
	start := time.Now()
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	s.logger.Debug("sqlite: search keyword", "query", query, "top_k", topK)

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.source, c.title, c.breadcrumbs, c.content, c.preview,
			c.line_start, c.line_end, c.token_count, c.created_at, f.rank
		 FROM chunks_fts f
		 JOIN chunks c ON c.id = f.chunk_id
		 WHERE chunks_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`, match, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []bob.ScoredChunk
	for rows.Next() {
		var c bob.Chunk
		var crumbs string
		var rank float64
		if err := rows.Scan(&c.ID, &c.Source, &c.Title, &crumbs, &c.Content, &c.Preview,
			&c.LineStart, &c.LineEnd, &c.TokenCount, &c.CreatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		_ = json.Unmarshal([]byte(crumbs), &c.Breadcrumbs)
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		score := float32(-rank)
		if score < 0 {
			score = 0
		}
		results = append(results, bob.ScoredChunk{Chunk: c, Score: score})
	}
	s.logger.Debug("sqlite: search keyword ok", "returned", len(results), "duration", time.Since(start))
	return results, rows.Err()
}

// SearchVector performs brute-force cosine similarity search over all
// embedded chunks.
func (s *Store) SearchVector(ctx context.Context, vec []float32, topK int) ([]bob.ScoredChunk, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search vector", "top_k", topK, "dim", len(vec))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, title, breadcrumbs, content, preview,
			line_start, line_end, token_count, created_at, embedding
		 FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []bob.ScoredChunk
	scanned := 0
	for rows.Next() {
		var c bob.Chunk
		var crumbs, embJSON string
		if err := rows.Scan(&c.ID, &c.Source, &c.Title, &crumbs, &c.Content, &c.Preview,
			&c.LineStart, &c.LineEnd, &c.TokenCount, &c.CreatedAt, &embJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		scanned++
		_ = json.Unmarshal([]byte(crumbs), &c.Breadcrumbs)
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, bob.ScoredChunk{Chunk: c, Score: cosineSimilarity(vec, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: search vector ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

func scanChunk(rows *sql.Rows) (bob.Chunk, error) {
	var c bob.Chunk
	var crumbs string
	if err := rows.Scan(&c.ID, &c.Source, &c.Title, &crumbs, &c.Content, &c.Preview,
		&c.LineStart, &c.LineEnd, &c.TokenCount, &c.CreatedAt); err != nil {
		return bob.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	_ = json.Unmarshal([]byte(crumbs), &c.Breadcrumbs)
	return c, nil
}

// ftsQuery turns free text into a safe FTS5 match expression by quoting
// each term, so query punctuation never reaches the FTS parser.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}
