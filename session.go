package bob

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// sessionVersion gates the on-disk document format. On mismatch the content
// is dropped rather than migrated.
const sessionVersion = 1

// EngineSession is one engine's resume handle for a chat.
type EngineSession struct {
	ResumeToken string `json:"resume_token"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ProjectContext binds a chat to a project checkout.
type ProjectContext struct {
	Project string `json:"project,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// ChatSession is the per-chat slice of the session document.
type ChatSession struct {
	Engines       map[string]EngineSession `json:"engines,omitempty"`
	Context       *ProjectContext          `json:"context,omitempty"`
	DefaultEngine string                   `json:"default_engine,omitempty"`
}

type sessionDoc struct {
	Version int                     `json:"version"`
	CWD     string                  `json:"cwd"`
	Chats   map[string]*ChatSession `json:"chats"`
}

// SessionStore holds per-chat resume tokens as a single versioned JSON
// document, rewritten atomically on every mutation. Resume tokens are only
// meaningful for the working directory they were created in, so a cwd
// change at load time invalidates everything.
type SessionStore struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	doc sessionDoc
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithSessionLogger sets a structured logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *SessionStore) { s.logger = l }
}

// LoadSessions reads the session document at path. A missing, malformed,
// version-mismatched, or cwd-mismatched file yields an empty store.
func LoadSessions(path, cwd string, opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		path:   path,
		logger: NopLogger(),
		doc:    sessionDoc{Version: sessionVersion, CWD: cwd, Chats: map[string]*ChatSession{}},
	}
	for _, o := range opts {
		o(s)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("sessions: malformed document, starting empty", "path", path, "error", err)
		return s
	}
	if doc.Version != sessionVersion {
		s.logger.Info("sessions: version mismatch, dropping content", "have", doc.Version, "want", sessionVersion)
		return s
	}
	if doc.CWD != cwd {
		s.logger.Info("sessions: cwd changed, invalidating resume tokens", "was", doc.CWD, "now", cwd)
		return s
	}
	if doc.Chats == nil {
		doc.Chats = map[string]*ChatSession{}
	}
	s.doc = doc
	return s
}

// Token returns the resume token for (chat, engine), or "".
func (s *SessionStore) Token(chatID int64, engineID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.doc.Chats[chatKey(chatID)]
	if cs == nil {
		return ""
	}
	return cs.Engines[engineID].ResumeToken
}

// SetToken stores a resume token for (chat, engine). An empty token removes
// the entry, keeping at most one token per (chat, engine).
func (s *SessionStore) SetToken(chatID int64, engineID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.chat(chatID)
	if token == "" {
		delete(cs.Engines, engineID)
	} else {
		cs.Engines[engineID] = EngineSession{ResumeToken: token, UpdatedAt: NowUnixMilli()}
	}
	return s.save()
}

// DefaultEngine returns the chat's default engine override, or "".
func (s *SessionStore) DefaultEngine(chatID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.doc.Chats[chatKey(chatID)]
	if cs == nil {
		return ""
	}
	return cs.DefaultEngine
}

// SetDefaultEngine records the chat's default engine ("" clears it).
func (s *SessionStore) SetDefaultEngine(chatID int64, engineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat(chatID).DefaultEngine = engineID
	return s.save()
}

// Context returns the chat's project binding, or nil.
func (s *SessionStore) Context(chatID int64) *ProjectContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.doc.Chats[chatKey(chatID)]
	if cs == nil || cs.Context == nil {
		return nil
	}
	c := *cs.Context
	return &c
}

// SetContext records the chat's project binding.
func (s *SessionStore) SetContext(chatID int64, pc *ProjectContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat(chatID).Context = pc
	return s.save()
}

func (s *SessionStore) chat(chatID int64) *ChatSession {
	key := chatKey(chatID)
	cs := s.doc.Chats[key]
	if cs == nil {
		cs = &ChatSession{Engines: map[string]EngineSession{}}
		s.doc.Chats[key] = cs
	}
	if cs.Engines == nil {
		cs.Engines = map[string]EngineSession{}
	}
	return cs
}

// save rewrites the whole document atomically. Caller holds the lock.
func (s *SessionStore) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
