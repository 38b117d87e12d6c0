package bob

import "context"

// ActionType classifies a tool call made by an engine during a run.
type ActionType string

const (
	ActionBash  ActionType = "bash"
	ActionRead  ActionType = "read"
	ActionWrite ActionType = "write"
	ActionEdit  ActionType = "edit"
	ActionTool  ActionType = "tool"
)

// Action is one tool-call record reported by an engine.
type Action struct {
	Type   ActionType `json:"type"`
	Name   string     `json:"name"`
	Detail string     `json:"detail,omitempty"`
}

// EngineRequest is a single engine invocation.
type EngineRequest struct {
	Prompt string
	// Images are local file paths of inbound attachments.
	Images []string
	// CWD is the working directory for the run.
	CWD string
	// ResumeToken resumes a prior session when the engine supports it.
	ResumeToken string
	// OnDelta receives incremental text fragments as the engine streams.
	OnDelta func(text string)
}

// EngineResult is the terminal outcome of an engine run.
type EngineResult struct {
	FinalText    string
	Actions      []Action
	SessionToken string // opaque; stored per (chat, engine) for resumption
}

// Engine is a streaming LLM runner. Implementations wrap external CLIs or
// SDKs; the daemon treats them as interchangeable token sources.
type Engine interface {
	// ID names the engine ("claude", "codex", ...), keying session tokens.
	ID() string
	Run(ctx context.Context, req EngineRequest) (EngineResult, error)
}
