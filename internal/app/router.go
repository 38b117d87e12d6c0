package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bobd/bob"
	"github.com/bobd/bob/frontend/telegram"
)

// recallContextLimit bounds recall hits injected into an engine prompt.
const recallContextLimit = 4

// handle routes one inbound message: allowlist, logging, command dispatch,
// and the default path of a streamed engine turn.
func (a *App) handle(ctx context.Context, msg telegram.IncomingMessage) {
	if !userAllowed(a.cfg.Telegram.AllowedUserIDs, msg.UserID) {
		a.logger.Warn("router: ignoring message from unauthorized user",
			"user_id", msg.UserID, "chat_id", msg.ChatID)
		return
	}
	if msg.Text == "" && len(msg.PhotoIDs) == 0 {
		return
	}

	a.logInbound(ctx, msg)

	cmd, rest := splitCommand(msg.Text)
	switch cmd {
	case "/start":
		a.reply(ctx, msg, "Hey. I'm listening — talk to me, or /status to see what I'm up to.")
		return
	case "/status":
		a.reply(ctx, msg, a.statusText(ctx))
		return
	case "/jobs":
		a.reply(ctx, msg, a.jobsText(ctx, msg.ChatID))
		return
	case "/dnd":
		a.handleDND(ctx, msg, rest)
		return
	case "/project":
		a.handleProject(ctx, msg, rest)
		return
	}

	engineID := a.cfg.DefaultEngine
	if override := a.sessions.DefaultEngine(msg.ChatID); override != "" {
		engineID = override
	}
	text := msg.Text
	if cmd != "" && cmd != "/agent" {
		id := strings.TrimPrefix(cmd, "/")
		if _, ok := a.engines[id]; ok {
			engineID = id
			text = rest
			if text == "" {
				// Bare engine command pins the chat's default.
				if err := a.sessions.SetDefaultEngine(msg.ChatID, id); err != nil {
					a.logger.Warn("router: pin engine", "error", err)
				}
				a.reply(ctx, msg, fmt.Sprintf("Default engine for this chat is now %s.", id))
				return
			}
		}
	} else if cmd == "/agent" {
		text = rest
		if text == "" {
			// Bare /agent unpins the chat's engine override.
			if err := a.sessions.SetDefaultEngine(msg.ChatID, ""); err != nil {
				a.logger.Warn("router: unpin engine", "error", err)
			}
			a.reply(ctx, msg, fmt.Sprintf("Chat engine reset to %s.", a.cfg.DefaultEngine))
			return
		}
	}

	a.agentTurn(ctx, msg, engineID, text)
}

// userAllowed reports whether userID is on the allowlist. An empty list
// denies everyone.
func userAllowed(allow []int64, userID int64) bool {
	for _, id := range allow {
		if id == userID {
			return true
		}
	}
	return false
}

// agentTurn runs one engine conversation turn and streams it back.
func (a *App) agentTurn(ctx context.Context, msg telegram.IncomingMessage, engineID, text string) {
	eng, ok := a.engines[engineID]
	if !ok {
		a.reply(ctx, msg, fmt.Sprintf("Engine %q is not configured.", engineID))
		return
	}

	if emoji := a.cfg.Telegram.AckReaction; emoji != "" {
		if err := a.tg.React(ctx, msg.ChatID, msg.MessageID, emoji); err != nil {
			a.logger.Debug("router: ack reaction failed", "error", err)
		}
	}

	req := bob.EngineRequest{
		Prompt:      a.buildPrompt(ctx, msg, text),
		ResumeToken: a.sessions.Token(msg.ChatID, engineID),
		Images:      a.downloadPhotos(ctx, msg.PhotoIDs),
	}
	if pc := a.sessions.Context(msg.ChatID); pc != nil {
		if proj, ok := a.cfg.Projects[pc.Project]; ok {
			req.CWD = proj.Path
		}
	}

	start := time.Now()
	res, err := bob.StreamReply(ctx, eng, req, a.tg, bob.ReplyOptions{
		ChatID:       msg.ChatID,
		ThreadID:     msg.ThreadID,
		InitiatorID:  msg.MessageID,
		SilentTokens: []string{bob.TokenNoReply},
		Render:       telegram.RenderEntities,
		Logger:       a.logger,
	})
	if a.inst != nil {
		a.inst.EngineDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		a.logger.Error("router: engine turn failed", "engine", engineID, "error", err)
		a.reply(ctx, msg, fmt.Sprintf("Engine %s failed: %v", engineID, err))
		return
	}

	if res.SessionToken != "" {
		if err := a.sessions.SetToken(msg.ChatID, engineID, res.SessionToken); err != nil {
			a.logger.Warn("router: persist resume token", "error", err)
		}
	}
	if res.DidSend && res.ResponseText != "" {
		if a.inst != nil {
			a.inst.RepliesSent.Add(ctx, 1)
		}
		a.logOutbound(ctx, msg, res.ResponseText)
	}
}

// buildPrompt prepends recall context to the user's message when the index
// has something relevant.
func (a *App) buildPrompt(ctx context.Context, msg telegram.IncomingMessage, text string) string {
	hits, err := a.searcher.Search(ctx, text, recallContextLimit)
	if a.inst != nil {
		a.inst.RecallSearches.Add(ctx, 1)
	}
	if err != nil || len(hits) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString("[RECALLED NOTES]\n")
	for _, h := range hits {
		trail := h.Title
		if len(h.Breadcrumbs) > 0 {
			trail = strings.Join(h.Breadcrumbs, " > ") + " > " + h.Title
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", trail, h.Source, h.Preview)
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

// handleProject binds the chat to a configured project ("name" or
// "name@branch"), so engine turns run in that project's directory.
func (a *App) handleProject(ctx context.Context, msg telegram.IncomingMessage, rest string) {
	switch rest {
	case "":
		pc := a.sessions.Context(msg.ChatID)
		if pc == nil {
			a.reply(ctx, msg, "No project bound. Usage: /project <name>[@branch]|off")
			return
		}
		where := pc.Project
		if pc.Branch != "" {
			where += "@" + pc.Branch
		}
		a.reply(ctx, msg, fmt.Sprintf("Bound to %s.", where))
		return
	case "off":
		if err := a.sessions.SetContext(msg.ChatID, nil); err != nil {
			a.reply(ctx, msg, fmt.Sprintf("Could not unbind: %v", err))
			return
		}
		a.reply(ctx, msg, "Project binding cleared.")
		return
	}

	name, branch := rest, ""
	if i := strings.Index(rest, "@"); i >= 0 {
		name, branch = rest[:i], rest[i+1:]
	}
	if _, ok := a.cfg.Projects[name]; !ok {
		a.reply(ctx, msg, fmt.Sprintf("Unknown project %q. Configured: %s.",
			name, strings.Join(a.projectNames(), ", ")))
		return
	}
	if err := a.sessions.SetContext(msg.ChatID, &bob.ProjectContext{Project: name, Branch: branch}); err != nil {
		a.reply(ctx, msg, fmt.Sprintf("Could not bind: %v", err))
		return
	}
	where := name
	if branch != "" {
		where += "@" + branch
	}
	a.reply(ctx, msg, fmt.Sprintf("Bound to %s.", where))
}

func (a *App) projectNames() []string {
	names := make([]string, 0, len(a.cfg.Projects))
	for name := range a.cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *App) handleDND(ctx context.Context, msg telegram.IncomingMessage, rest string) {
	fields := strings.Fields(rest)
	switch {
	case len(fields) == 0 || fields[0] == "status":
		st := a.dnd.Status(time.Now().In(a.loc))
		if !st.Active {
			a.reply(ctx, msg, "Do-not-disturb is off.")
			return
		}
		a.reply(ctx, msg, fmt.Sprintf("Quiet until %s (%s).",
			time.UnixMilli(st.EndsAt).In(a.loc).Format("15:04"), st.Reason))
	case fields[0] == "off":
		if err := a.dnd.ClearAdhoc(); err != nil {
			a.reply(ctx, msg, fmt.Sprintf("Could not clear: %v", err))
			return
		}
		a.reply(ctx, msg, "Do-not-disturb cleared.")
	default:
		d, err := time.ParseDuration(fields[0])
		if err != nil || d <= 0 {
			a.reply(ctx, msg, "Usage: /dnd <duration>|off|status — e.g. /dnd 2h")
			return
		}
		until := time.Now().Add(d)
		if err := a.dnd.SetAdhoc(until.UnixMilli(), "requested"); err != nil {
			a.reply(ctx, msg, fmt.Sprintf("Could not set: %v", err))
			return
		}
		a.reply(ctx, msg, fmt.Sprintf("Quiet until %s.", until.In(a.loc).Format("15:04")))
	}
}

func (a *App) statusText(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("Running.\n")
	if n, err := a.store.CountPending(ctx, bob.NowUnixMilli()); err == nil {
		fmt.Fprintf(&b, "Pending events: %d\n", n)
	}
	if at, ok, err := a.store.NextDueAt(ctx); err == nil && ok {
		fmt.Fprintf(&b, "Next job: %s\n", time.UnixMilli(at).In(a.loc).Format(time.RFC822))
	} else {
		b.WriteString("Next job: none scheduled\n")
	}
	st := a.dnd.Status(time.Now().In(a.loc))
	if st.Active {
		fmt.Fprintf(&b, "Quiet until %s (%s)\n",
			time.UnixMilli(st.EndsAt).In(a.loc).Format("15:04"), st.Reason)
	}
	return strings.TrimSpace(b.String())
}

func (a *App) jobsText(ctx context.Context, chatID int64) string {
	jobs, err := a.store.ListChatJobs(ctx, chatID)
	if err != nil {
		return fmt.Sprintf("Could not list jobs: %v", err)
	}
	if len(jobs) == 0 {
		return "No jobs for this chat."
	}
	var b strings.Builder
	for _, j := range jobs {
		state := "on"
		if !j.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "%s  %s %s  [%s]  next %s\n",
			j.ID[:8], j.ScheduleKind, j.ScheduleSpec, state,
			time.UnixMilli(j.NextRunAt).In(a.loc).Format(time.RFC822))
	}
	return strings.TrimSpace(b.String())
}

// downloadPhotos fetches inbound photos into the data dir and returns
// their local paths for the engine.
func (a *App) downloadPhotos(ctx context.Context, fileIDs []string) []string {
	var paths []string
	for _, id := range fileIDs {
		data, name, err := a.tg.Download(ctx, id)
		if err != nil {
			a.logger.Warn("router: download photo", "error", err)
			continue
		}
		path := filepath.Join(a.cfg.DataDir, "inbox", fmt.Sprintf("%s-%s", bob.NewID(), name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			a.logger.Warn("router: save photo", "error", err)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func (a *App) reply(ctx context.Context, msg telegram.IncomingMessage, text string) {
	if _, err := a.tg.Send(ctx, msg.ChatID, text, &bob.SendOptions{ThreadID: msg.ThreadID}); err != nil {
		a.logger.Warn("router: reply failed", "error", err)
	}
}

func (a *App) logInbound(ctx context.Context, msg telegram.IncomingMessage) {
	m := bob.Message{
		ID:        bob.NewID(),
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		Role:      bob.RoleUser,
		Text:      msg.Text,
		CreatedAt: bob.NowUnixMilli(),
	}
	if err := a.store.AppendMessage(ctx, m); err != nil {
		a.logger.Warn("router: log inbound", "error", err)
	}
}

func (a *App) logOutbound(ctx context.Context, msg telegram.IncomingMessage, text string) {
	m := bob.Message{
		ID:        bob.NewID(),
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		Role:      bob.RoleAssistant,
		Text:      text,
		CreatedAt: bob.NowUnixMilli(),
	}
	if err := a.store.AppendMessage(ctx, m); err != nil {
		a.logger.Warn("router: log outbound", "error", err)
	}
}

// splitCommand extracts a leading slash command ("/claude", "/dnd") and
// the remainder. Non-command text returns ("", text).
func splitCommand(text string) (cmd, rest string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", trimmed
	}
	parts := strings.SplitN(trimmed, " ", 2)
	cmd = strings.ToLower(parts[0])
	// Strip bot-mention suffix, "/status@bob_bot".
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return cmd, rest
}
