package bob

import "context"

// Defaults shared by store implementations and their callers.
const (
	DefaultClaimLimit   = 10               // jobs claimed per ClaimDue call
	DefaultEventLimit   = 20               // events claimed per Claim call
	DefaultStaleAfterMS = 30 * 60 * 1000   // claims older than this are abandoned
)

// JobStore is the narrow data-access layer over the jobs table.
type JobStore interface {
	// AddJob inserts a job, computing NextRunAt from its schedule.
	// Returns *ErrInvalidSchedule when the kind or spec is unparseable.
	AddJob(ctx context.Context, in JobInput) (Job, error)
	// ListJobs returns all jobs ordered by id.
	ListJobs(ctx context.Context) ([]Job, error)
	// ListChatJobs returns a chat's jobs ordered by next run.
	ListChatJobs(ctx context.Context, chatID int64) ([]Job, error)
	// RemoveJob deletes a job, reporting whether it existed.
	RemoveJob(ctx context.Context, id string) (bool, error)
	// ClaimDue transactionally selects enabled jobs with NextRunAt <= now
	// (ascending, limited) and flips one-shot rows to disabled so no
	// concurrent claimer can return them again.
	ClaimDue(ctx context.Context, now int64, limit int) ([]Job, error)
	// UpdateAfterRun writes back a job's post-execution state. Idempotent.
	UpdateAfterRun(ctx context.Context, id string, lastRunAt, nextRunAt int64, enabled bool) error
	// NextDueAt returns MIN(next_run_at) over enabled jobs.
	// ok is false when no enabled job exists.
	NextDueAt(ctx context.Context) (at int64, ok bool, err error)
}

// EventStore is the narrow data-access layer over the events table.
type EventStore interface {
	// AddEvent enqueues an event. Empty or invalid payloads are stored as "{}".
	AddEvent(ctx context.Context, in EventInput) (Event, error)
	// ListEvents returns events ordered by creation, optionally including
	// processed ones.
	ListEvents(ctx context.Context, includeProcessed bool) ([]Event, error)
	// CountPending counts events with no live claim, treating claims older
	// than the stale window as abandoned.
	CountPending(ctx context.Context, now int64) (int, error)
	// Claim transactionally stamps up to limit pending events with a fresh
	// token and returns them. An empty slice means another claimer won.
	Claim(ctx context.Context, now int64, limit int) (token string, events []Event, err error)
	// Ack marks all events carrying token as processed.
	Ack(ctx context.Context, token string) error
	// Release returns all events carrying token to pending. A token that
	// matches no rows is a no-op.
	Release(ctx context.Context, token string) error
	// PruneProcessed deletes processed events older than the given age.
	PruneProcessed(ctx context.Context, olderThanDays int) (int, error)
}

// MessageStore is the append-only conversation log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg Message) error
	// RecentMessages returns the newest limit messages for a conversation
	// in chronological order.
	RecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]Message, error)
	PruneMessages(ctx context.Context, days int) (int, error)
}

// RecallStore persists chunks, their embeddings, and per-source fingerprints.
type RecallStore interface {
	// SourceFingerprint returns the stored content fingerprint for a source,
	// or "" when the source has never been indexed.
	SourceFingerprint(ctx context.Context, source string) (string, error)
	// ReplaceSource atomically swaps a source's chunk set: old chunks,
	// embeddings, and vector-index rows are deleted, new chunks inserted,
	// and the fingerprint updated, all in one transaction.
	ReplaceSource(ctx context.Context, source, fingerprint string, chunks []Chunk) error
	// ChunksMissingEmbedding returns chunks that have no stored embedding.
	ChunksMissingEmbedding(ctx context.Context, limit int) ([]Chunk, error)
	// PutEmbedding stores a chunk's embedding vector.
	PutEmbedding(ctx context.Context, chunkID string, vec []float32) error
	// SearchKeyword runs full-text search; scores are negated BM25.
	SearchKeyword(ctx context.Context, query string, topK int) ([]ScoredChunk, error)
	// SearchVector runs cosine search over stored embeddings.
	SearchVector(ctx context.Context, vec []float32, topK int) ([]ScoredChunk, error)
}

// Embedder turns text into vectors for recall indexing and search.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
