package bob

import "encoding/json"

// BobID discriminates all persisted rows. The daemon is single-user, so the
// value is constant; schemas keep the column so a future multi-tenant
// extension needs no migration.
const BobID = "bob"

// --- Messages ---

// Role identifies the author of a logged message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one row of the append-only conversation log.
type Message struct {
	ID        string `json:"id"`
	ChatID    int64  `json:"chat_id"`
	ThreadID  int64  `json:"thread_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

// --- Jobs ---

// ScheduleKind selects how a job's next run is computed.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot: spec is a unix-ms timestamp
	ScheduleEvery ScheduleKind = "every" // interval: spec is a Go duration
	ScheduleCron  ScheduleKind = "cron"  // recurring: spec is a 5-field cron expression
)

// JobType selects the job execution path.
type JobType string

const (
	JobSendMessage JobType = "send_message"
	JobAgentTurn   JobType = "agent_turn"
	JobScript      JobType = "script"
)

// ContextMode controls how much conversation state an agent_turn job sees.
type ContextMode string

const (
	ContextSession  ContextMode = "session"
	ContextIsolated ContextMode = "isolated"
)

// Job is a scheduled unit of work (DB record).
type Job struct {
	ID           string       `json:"id"`
	ChatID       int64        `json:"chat_id"` // 0 = system job, must not notify users
	ThreadID     int64        `json:"thread_id,omitempty"`
	ScheduleKind ScheduleKind `json:"schedule_kind"`
	ScheduleSpec string       `json:"schedule_spec"`
	Type         JobType      `json:"type"`
	Payload      string       `json:"payload"` // opaque JSON
	Enabled      bool         `json:"enabled"`
	NextRunAt    int64        `json:"next_run_at"` // unix ms; 0 when disabled
	LastRunAt    int64        `json:"last_run_at"` // unix ms; 0 = never ran
	ContextMode  ContextMode  `json:"context_mode"`
	CreatedAt    int64        `json:"created_at"`
}

// JobInput describes a job to insert. NextRunAt is computed by the store.
type JobInput struct {
	ChatID       int64
	ThreadID     int64
	ScheduleKind ScheduleKind
	ScheduleSpec string
	Type         JobType
	Payload      string
	ContextMode  ContextMode
}

// JobPayload is the decoded shape of Job.Payload. Unknown fields are ignored
// so job producers can carry extra context for the engine.
type JobPayload struct {
	Text   string   `json:"text,omitempty"`   // send_message body / agent_turn prompt
	Quote  string   `json:"quote,omitempty"`  // original user request, echoed into agent_turn prompts
	Script string   `json:"script,omitempty"` // script path relative to the scripts root
	Args   []string `json:"args,omitempty"`
	Urgent bool     `json:"urgent,omitempty"` // bypasses DND
	Notify bool     `json:"notify,omitempty"` // deliver script stdout on success
	Engine string   `json:"engine,omitempty"` // engine override for agent_turn
}

// ParseJobPayload decodes a job payload, returning the zero value for
// empty or malformed JSON.
func ParseJobPayload(raw string) JobPayload {
	var p JobPayload
	if raw == "" {
		return p
	}
	_ = json.Unmarshal([]byte(raw), &p)
	return p
}

// --- Events ---

// Event is a durable "wake up and decide" signal (DB record).
// State is derived: pending (no live claim, not processed), claimed
// (live claim, not processed), processed.
type Event struct {
	ID          string `json:"id"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int64  `json:"thread_id,omitempty"`
	Kind        string `json:"kind"`
	Payload     string `json:"payload"` // opaque JSON, "{}" when empty
	CreatedAt   int64  `json:"created_at"`
	ClaimedAt   int64  `json:"claimed_at,omitempty"`
	ClaimToken  string `json:"claim_token,omitempty"`
	ProcessedAt int64  `json:"processed_at,omitempty"`
}

// EventInput describes an event to enqueue.
type EventInput struct {
	ChatID   int64
	ThreadID int64
	Kind     string
	Payload  string
}

// --- Recall ---

// Chunk is a heading-bounded slice of a markdown source file.
type Chunk struct {
	ID          string   `json:"id"`
	Source      string   `json:"source"` // e.g. "journal:2026/02-03"
	Title       string   `json:"title"`
	Breadcrumbs []string `json:"breadcrumbs"`
	Content     string   `json:"content"`
	Preview     string   `json:"preview"`
	LineStart   int      `json:"line_start"`
	LineEnd     int      `json:"line_end"`
	TokenCount  int      `json:"token_count"`
	CreatedAt   int64    `json:"created_at"`
}

// ScoredChunk pairs a chunk with a relevance score (higher = better).
type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// MatchType records which search path produced a hybrid result.
type MatchType string

const (
	MatchFTS    MatchType = "fts"
	MatchVector MatchType = "vector"
	MatchHybrid MatchType = "hybrid"
)

// SearchHit is one ranked result from recall search.
type SearchHit struct {
	Chunk
	Score     float32   `json:"score"`
	MatchType MatchType `json:"match_type"`
}
