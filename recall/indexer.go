package recall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobd/bob"
)

// embedBatchSize bounds texts sent to the embedder per request.
const embedBatchSize = 16

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithIndexerLogger sets a structured logger.
func WithIndexerLogger(l *slog.Logger) IndexerOption {
	return func(ix *Indexer) { ix.logger = l }
}

// WithMemoryDir indexes *.md files under dir as "memory:<name>" sources.
func WithMemoryDir(dir string) IndexerOption {
	return func(ix *Indexer) { ix.memoryDir = dir }
}

// WithJournalDir indexes YYYY/MM-DD.md files under dir as
// "journal:YYYY/MM-DD" sources.
func WithJournalDir(dir string) IndexerOption {
	return func(ix *Indexer) { ix.journalDir = dir }
}

// Indexer keeps the recall store in sync with the markdown corpus. Every
// source carries a SHA-256 content fingerprint; an unchanged fingerprint
// skips the source entirely, so re-indexing an unchanged corpus is cheap.
type Indexer struct {
	store    bob.RecallStore
	embedder bob.Embedder

	logger     *slog.Logger
	memoryDir  string
	journalDir string
}

// NewIndexer wires an indexer. embedder may be nil, in which case chunks
// are stored without embeddings and only keyword search sees them.
func NewIndexer(store bob.RecallStore, embedder bob.Embedder, opts ...IndexerOption) *Indexer {
	ix := &Indexer{store: store, embedder: embedder, logger: bob.NopLogger()}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// IndexStats summarizes one indexing pass.
type IndexStats struct {
	Scanned  int // sources seen
	Indexed  int // sources whose chunks were (re)written
	Skipped  int // sources with unchanged fingerprints
	Embedded int // chunks that received embeddings
}

// IndexAll walks the configured directories, reindexes changed sources,
// and backfills missing embeddings.
func (ix *Indexer) IndexAll(ctx context.Context) (IndexStats, error) {
	start := time.Now()
	var stats IndexStats

	if ix.memoryDir != "" {
		if err := ix.walkDir(ctx, ix.memoryDir, "memory:", &stats); err != nil {
			return stats, err
		}
	}
	if ix.journalDir != "" {
		if err := ix.walkDir(ctx, ix.journalDir, "journal:", &stats); err != nil {
			return stats, err
		}
	}

	embedded, err := ix.EmbedPending(ctx)
	stats.Embedded = embedded
	if err != nil {
		return stats, err
	}

	ix.logger.Info("recall: index pass completed",
		"scanned", stats.Scanned, "indexed", stats.Indexed, "skipped", stats.Skipped,
		"embedded", stats.Embedded, "duration", time.Since(start))
	return stats, nil
}

func (ix *Indexer) walkDir(ctx context.Context, dir, prefix string, stats *IndexStats) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A missing root is fine; the corpus may not exist yet.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		source := prefix + sourceName(rel)
		stats.Scanned++
		indexed, err := ix.IndexFile(ctx, source, path)
		if err != nil {
			ix.logger.Warn("recall: index file failed", "source", source, "error", err)
			return nil
		}
		if indexed {
			stats.Indexed++
		} else {
			stats.Skipped++
		}
		return nil
	})
}

// IndexFile indexes one file under the given source tag, reporting whether
// its chunks were rewritten (false = fingerprint unchanged).
func (ix *Indexer) IndexFile(ctx context.Context, source, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("recall: read %s: %w", path, err)
	}
	fp := fingerprint(data)

	prev, err := ix.store.SourceFingerprint(ctx, source)
	if err != nil {
		return false, err
	}
	if prev == fp {
		return false, nil
	}

	chunks := ChunkMarkdown(source, string(data))
	if err := ix.store.ReplaceSource(ctx, source, fp, chunks); err != nil {
		return false, err
	}
	ix.logger.Debug("recall: source indexed", "source", source, "chunks", len(chunks))
	return true, nil
}

// EmbedPending embeds chunks that have no vector yet, in batches. A failed
// batch stops the pass; already-written embeddings are kept, so the next
// pass resumes where this one stopped.
func (ix *Indexer) EmbedPending(ctx context.Context) (int, error) {
	if ix.embedder == nil {
		return 0, nil
	}
	total := 0
	for {
		chunks, err := ix.store.ChunksMissingEmbedding(ctx, embedBatchSize)
		if err != nil {
			return total, err
		}
		if len(chunks) == 0 {
			return total, nil
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = embeddingText(c)
		}
		vecs, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("recall: embed batch: %w", err)
		}
		if len(vecs) != len(chunks) {
			return total, fmt.Errorf("recall: embedder returned %d vectors for %d texts", len(vecs), len(chunks))
		}
		for i, c := range chunks {
			if err := ix.store.PutEmbedding(ctx, c.ID, vecs[i]); err != nil {
				ix.logger.Warn("recall: store embedding", "chunk_id", c.ID, "error", err)
				continue
			}
			total++
		}
	}
}

// embeddingText is what actually gets embedded: the breadcrumb trail plus
// the content, so vectors capture where a chunk sits in the document.
func embeddingText(c bob.Chunk) string {
	var b strings.Builder
	if len(c.Breadcrumbs) > 0 {
		b.WriteString(strings.Join(c.Breadcrumbs, " > "))
		b.WriteString(" > ")
	}
	if c.Title != "" {
		b.WriteString(c.Title)
		b.WriteString("\n")
	}
	b.WriteString(c.Content)
	return b.String()
}

// sourceName normalizes a relative path into a source suffix: forward
// slashes, no .md extension.
func sourceName(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ToLower(rel)
}

// fingerprint is the SHA-256 hex digest of the raw file content.
func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
