package bob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// scriptTimeout bounds a script job's wall-clock runtime.
	scriptTimeout = 5 * time.Minute
	// scriptOutputLimit caps how much script stdout is delivered to chat.
	scriptOutputLimit = 3000
)

// EngineResolver maps an engine id to a configured engine. An empty id
// resolves to the default.
type EngineResolver func(id string) (Engine, bool)

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets a structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithScriptsRoot sets the directory script jobs resolve against. Script
// paths may not escape it.
func WithScriptsRoot(dir string) RunnerOption {
	return func(r *Runner) { r.scriptsRoot = dir }
}

// WithRunnerRender sets the markdown renderer for outbound messages.
func WithRunnerRender(f RenderFunc) RunnerOption {
	return func(r *Runner) { r.render = f }
}

// WithRunnerSessions attaches the resume-token store so session-mode agent
// turns continue the chat's engine conversation.
func WithRunnerSessions(s *SessionStore) RunnerOption {
	return func(r *Runner) { r.sessions = s }
}

// WithRunnerMessages attaches the conversation log.
func WithRunnerMessages(m MessageStore) RunnerOption {
	return func(r *Runner) { r.messages = m }
}

// WithConversationDir appends agent-turn replies to daily markdown files
// under dir (YYYY/MM-DD-<engine>.md), making them part of the recall corpus.
func WithConversationDir(dir string) RunnerOption {
	return func(r *Runner) { r.convoDir = dir }
}

// Runner executes claimed jobs: plain reminders, full agent turns, and
// sandboxed scripts. Implements JobRunner.
type Runner struct {
	tr       Transport
	resolve  EngineResolver
	sessions *SessionStore
	messages MessageStore

	logger      *slog.Logger
	scriptsRoot string
	convoDir    string
	render      RenderFunc
}

// NewRunner wires a job runner. resolve maps payload engine overrides (and
// "" for the default) to engines.
func NewRunner(tr Transport, resolve EngineResolver, opts ...RunnerOption) *Runner {
	r := &Runner{tr: tr, resolve: resolve, logger: NopLogger()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunJob dispatches one job by type.
func (r *Runner) RunJob(ctx context.Context, job Job) error {
	payload := ParseJobPayload(job.Payload)
	switch job.Type {
	case JobSendMessage:
		return r.runSendMessage(ctx, job, payload)
	case JobAgentTurn:
		return r.runAgentTurn(ctx, job, payload)
	case JobScript:
		return r.runScript(ctx, job, payload)
	}
	return fmt.Errorf("runner: unknown job type %q", job.Type)
}

// runSendMessage delivers the payload text verbatim, no engine involved.
func (r *Runner) runSendMessage(ctx context.Context, job Job, payload JobPayload) error {
	if job.ChatID == 0 || payload.Text == "" {
		return nil
	}
	text, entities := payload.Text, []Entity(nil)
	if r.render != nil {
		text, entities = r.render(text)
	}
	if _, err := r.tr.Send(ctx, job.ChatID, text, &SendOptions{ThreadID: job.ThreadID, Entities: entities}); err != nil {
		return fmt.Errorf("runner: send reminder: %w", err)
	}
	r.logMessage(ctx, job, payload.Text)
	return nil
}

// runAgentTurn hands the reminder to the engine as a framed prompt and
// streams the reply into the chat.
func (r *Runner) runAgentTurn(ctx context.Context, job Job, payload JobPayload) error {
	eng, ok := r.resolve(payload.Engine)
	if !ok {
		return &ErrEngine{Engine: payload.Engine, Message: "not configured"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[SCHEDULED REMINDER] fired at %s.\n", time.Now().Format(time.RFC1123))
	b.WriteString(payload.Text)
	if payload.Quote != "" {
		b.WriteString("\n\n[ORIGINAL USER REQUEST]\n")
		b.WriteString(payload.Quote)
	}

	req := EngineRequest{Prompt: b.String()}
	if job.ContextMode == ContextSession && r.sessions != nil {
		req.ResumeToken = r.sessions.Token(job.ChatID, eng.ID())
	}

	res, err := StreamReply(ctx, eng, req, r.tr, ReplyOptions{
		ChatID:       job.ChatID,
		ThreadID:     job.ThreadID,
		SilentTokens: []string{TokenNoReply},
		Render:       r.render,
		Logger:       r.logger,
	})
	if err != nil {
		return fmt.Errorf("runner: agent turn: %w", err)
	}
	if job.ContextMode == ContextSession && r.sessions != nil && res.SessionToken != "" {
		if err := r.sessions.SetToken(job.ChatID, eng.ID(), res.SessionToken); err != nil {
			r.logger.Warn("runner: persist resume token", "error", err)
		}
	}
	if res.DidSend && res.ResponseText != "" {
		r.logMessage(ctx, job, res.ResponseText)
		r.appendConversation(eng.ID(), res.ResponseText)
	}
	return nil
}

// appendConversation writes the reply to the day's conversation file.
func (r *Runner) appendConversation(engineID, text string) {
	if r.convoDir == "" {
		return
	}
	now := time.Now()
	path := filepath.Join(r.convoDir, now.Format("2006"),
		fmt.Sprintf("%s-%s.md", now.Format("01-02"), engineID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.logger.Warn("runner: conversation dir", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Warn("runner: open conversation file", "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "## %s\n\n%s\n\n", now.Format("15:04"), text)
}

// runScript executes a script confined to the scripts root, delivering
// stdout to the chat when the payload asks for it.
func (r *Runner) runScript(ctx context.Context, job Job, payload JobPayload) error {
	if r.scriptsRoot == "" || payload.Script == "" {
		return fmt.Errorf("runner: script job without scripts root or path")
	}
	path, err := resolveUnder(r.scriptsRoot, payload.Script)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, payload.Args...)
	cmd.Dir = r.scriptsRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	r.logger.Debug("runner: script finished",
		"script", payload.Script, "duration", time.Since(start), "error", runErr)

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		if len(msg) > scriptOutputLimit {
			msg = msg[:scriptOutputLimit] + "\n…(truncated)"
		}
		// The user asked for this job; a silent failure would look like
		// the script simply never ran.
		if job.ChatID != 0 {
			note := fmt.Sprintf("Script %s failed: %s", payload.Script, msg)
			if _, serr := r.tr.Send(ctx, job.ChatID, note, &SendOptions{ThreadID: job.ThreadID}); serr != nil {
				r.logger.Warn("runner: deliver script failure", "error", serr)
			}
		}
		return fmt.Errorf("runner: script %s: %s", payload.Script, msg)
	}

	if payload.Notify && job.ChatID != 0 {
		out := strings.TrimSpace(stdout.String())
		if out == "" {
			return nil
		}
		if len(out) > scriptOutputLimit {
			out = out[:scriptOutputLimit] + "\n…(truncated)"
		}
		if _, err := r.tr.Send(ctx, job.ChatID, out, &SendOptions{ThreadID: job.ThreadID}); err != nil {
			return fmt.Errorf("runner: deliver script output: %w", err)
		}
	}
	return nil
}

func (r *Runner) logMessage(ctx context.Context, job Job, text string) {
	if r.messages == nil {
		return
	}
	msg := Message{
		ID:        NewID(),
		ChatID:    job.ChatID,
		ThreadID:  job.ThreadID,
		Role:      RoleAssistant,
		Text:      text,
		CreatedAt: NowUnixMilli(),
	}
	if err := r.messages.AppendMessage(ctx, msg); err != nil {
		r.logger.Warn("runner: log message", "error", err)
	}
}

// resolveUnder joins rel onto root and rejects any path that escapes it.
func resolveUnder(root, rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", &ErrPathEscape{Path: rel}
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", &ErrPathEscape{Path: rel}
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", &ErrPathEscape{Path: rel}
	}
	return abs, nil
}
