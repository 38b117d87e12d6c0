package bob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Silent tokens the heartbeat instruction asks the engine to emit when
// nothing needs the user's attention.
const (
	TokenHeartbeatOK = "HEARTBEAT_OK"
	TokenNoReply     = "NO_REPLY"
)

// defaultHeartbeatInstruction frames a batch of queued events for the
// engine. An override file, when present, replaces it wholesale.
const defaultHeartbeatInstruction = `You are processing queued background events for your user.
Review the events below together with the recent conversation. If something
is worth telling the user right now, reply with a short message. If nothing
needs their attention, reply with exactly HEARTBEAT_OK and nothing else.`

// recentContextLimit bounds how much conversation history a heartbeat
// prompt carries.
const recentContextLimit = 20

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithHeartbeatLogger sets a structured logger.
func WithHeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) { h.logger = l }
}

// WithInstructionFile points at a file whose content, when present and
// non-empty, replaces the built-in heartbeat instruction.
func WithInstructionFile(path string) HeartbeatOption {
	return func(h *Heartbeat) { h.instructionPath = path }
}

// WithInstruction sets an inline instruction override. An instruction file
// still takes precedence when present.
func WithInstruction(text string) HeartbeatOption {
	return func(h *Heartbeat) { h.instructionText = strings.TrimSpace(text) }
}

// WithHomeChat routes system events (chat 0) to the given chat. Without a
// home chat, system events are processed but never message anyone.
func WithHomeChat(chatID int64) HeartbeatOption {
	return func(h *Heartbeat) { h.homeChat = chatID }
}

// WithHeartbeatClock overrides wall-clock reads, for tests.
func WithHeartbeatClock(now func() time.Time) HeartbeatOption {
	return func(h *Heartbeat) { h.now = now }
}

// WithHeartbeatTracer attaches a tracer; each drained batch becomes a span.
func WithHeartbeatTracer(t Tracer) HeartbeatOption {
	return func(h *Heartbeat) {
		if t != nil {
			h.tracer = t
		}
	}
}

// Heartbeat drains the durable event queue: it claims a batch, groups it
// per conversation, hands each group to the engine with recent context, and
// acks the claim only after the whole batch was handled. Any failure
// releases the claim so a later pass retries the events.
type Heartbeat struct {
	events   EventStore
	messages MessageStore
	engine   Engine
	tr       Transport

	logger          *slog.Logger
	tracer          Tracer
	instructionPath string
	instructionText string
	homeChat        int64
	now             func() time.Time
}

// NewHeartbeat wires an event drainer.
func NewHeartbeat(events EventStore, messages MessageStore, engine Engine, tr Transport, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		events:   events,
		messages: messages,
		engine:   engine,
		tr:       tr,
		logger:   NopLogger(),
		tracer:   NopTracer(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Drain claims and processes pending events until the queue is empty.
// Implements EventDrainer.
func (h *Heartbeat) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		token, batch, err := h.events.Claim(ctx, h.now().UnixMilli(), DefaultEventLimit)
		if err != nil {
			return fmt.Errorf("heartbeat: claim events: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		batchCtx, span := h.tracer.Start(ctx, "heartbeat.process_batch",
			IntAttr("events", len(batch)))
		if err := h.processBatch(batchCtx, batch); err != nil {
			span.Error(err)
			span.End()
			h.logger.Warn("heartbeat: batch failed, releasing claim",
				"token", token, "events", len(batch), "error", err)
			if relErr := h.events.Release(ctx, token); relErr != nil {
				h.logger.Error("heartbeat: release claim", "token", token, "error", relErr)
			}
			return err
		}
		span.End()
		if err := h.events.Ack(ctx, token); err != nil {
			return fmt.Errorf("heartbeat: ack claim %s: %w", token, err)
		}
		h.logger.Debug("heartbeat: batch processed", "token", token, "events", len(batch))
	}
}

type convoKey struct {
	chatID   int64
	threadID int64
}

// processBatch runs one engine turn per conversation present in the batch.
// The batch acks or releases as a unit, so the first failing group aborts.
func (h *Heartbeat) processBatch(ctx context.Context, batch []Event) error {
	groups := map[convoKey][]Event{}
	var order []convoKey
	for _, ev := range batch {
		key := convoKey{chatID: ev.ChatID, threadID: ev.ThreadID}
		if key.chatID == 0 {
			key = convoKey{chatID: h.homeChat}
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}
	for _, key := range order {
		if err := h.processGroup(ctx, key, groups[key]); err != nil {
			return err
		}
	}
	return nil
}

func (h *Heartbeat) processGroup(ctx context.Context, key convoKey, evs []Event) error {
	prompt := h.buildPrompt(ctx, key, evs)

	if key.chatID == 0 {
		// No destination: run for side effects only, discard output.
		_, err := h.engine.Run(ctx, EngineRequest{Prompt: prompt})
		return err
	}

	res, err := StreamReply(ctx, h.engine, EngineRequest{Prompt: prompt}, h.tr, ReplyOptions{
		ChatID:       key.chatID,
		ThreadID:     key.threadID,
		SilentTokens: []string{TokenHeartbeatOK, TokenNoReply},
		Logger:       h.logger,
	})
	if err != nil {
		return fmt.Errorf("heartbeat: engine turn chat %d: %w", key.chatID, err)
	}
	if res.DidSend && res.ResponseText != "" && h.messages != nil {
		msg := Message{
			ID:        NewID(),
			ChatID:    key.chatID,
			ThreadID:  key.threadID,
			Role:      RoleAssistant,
			Text:      res.ResponseText,
			CreatedAt: NowUnixMilli(),
		}
		if err := h.messages.AppendMessage(ctx, msg); err != nil {
			h.logger.Warn("heartbeat: log reply", "error", err)
		}
	}
	return nil
}

// buildPrompt assembles instruction + event list + recent conversation.
func (h *Heartbeat) buildPrompt(ctx context.Context, key convoKey, evs []Event) string {
	var b strings.Builder
	b.WriteString(h.instruction())
	b.WriteString("\n\n[EVENTS]\n")
	for _, ev := range evs {
		fmt.Fprintf(&b, "- %s (%s): %s\n",
			ev.Kind, time.UnixMilli(ev.CreatedAt).Format(time.RFC3339), ev.Payload)
	}

	if h.messages != nil && key.chatID != 0 {
		recent, err := h.messages.RecentMessages(ctx, key.chatID, key.threadID, recentContextLimit)
		if err != nil {
			h.logger.Warn("heartbeat: load recent messages", "error", err)
		} else if len(recent) > 0 {
			b.WriteString("\n[RECENT CONVERSATION]\n")
			for _, m := range recent {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
			}
		}
	}
	return b.String()
}

func (h *Heartbeat) instruction() string {
	if h.instructionPath != "" {
		if data, err := os.ReadFile(h.instructionPath); err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				return s
			}
		}
	}
	if h.instructionText != "" {
		return h.instructionText
	}
	return defaultHeartbeatInstruction
}
