package bob

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// defaultFlushInterval is the debounce between streaming flushes.
	defaultFlushInterval = 900 * time.Millisecond
	// chunkLimit is the per-message size target, counted in characters.
	// Telegram's hard cap is 4096 UTF-16 units; staying under it leaves
	// headroom for entity expansion.
	chunkLimit = 3500
	// typingInterval re-arms the typing indicator while composing.
	typingInterval = 4 * time.Second
	// defaultSilentReaction acknowledges a silent final when no [[react]]
	// directive chose one.
	defaultSilentReaction = "👍"
)

// RenderFunc converts markdown to transport-native text plus entities.
type RenderFunc func(markdown string) (string, []Entity)

// ReplyOptions configures one streamed reply.
type ReplyOptions struct {
	ChatID      int64
	ThreadID    int64
	InitiatorID int64 // message that triggered the reply; reaction + reply target

	// SilentTokens suppress visible output when present in the stream.
	SilentTokens []string
	// Render converts markdown to entities; nil sends plain text.
	Render RenderFunc
	// FlushInterval overrides the streaming debounce. Zero = default.
	FlushInterval time.Duration
	// OnWillSend fires once, just before the first visible content goes out.
	OnWillSend func()
	// IsCancelled, when non-nil and true, suppresses all further sends.
	IsCancelled func() bool
	Logger      *slog.Logger
}

// ReplyResult is the outcome of a streamed reply.
type ReplyResult struct {
	DidSend      bool
	DidReact     bool
	ResponseText string // final cleaned text, trimmed
	Actions      []Action
	SessionToken string
}

// Reply projects an engine token stream into chat-visible messages: it
// buffers deltas, parses in-band directives, debounces flushes, and drives
// the transport through an edit/append/silent state machine without ever
// sending the same visible content twice.
type Reply struct {
	transport Transport
	opts      ReplyOptions
	ctx       context.Context

	mu               sync.Mutex
	flushDone        *sync.Cond // signalled when an in-flight flush completes
	buffer           strings.Builder
	mode             StreamMode
	sentMessageID    int64
	firstSentID      int64
	lastSentText     string // append mode: visible prefix already delivered
	lastRenderedText string // edit mode: last text put on the wire
	lastFlushAt      time.Time
	flushInProgress  bool
	pendingFlush     bool
	scheduled        *time.Timer
	reaction         string
	replyTo          int64
	didTriggerSend   bool
	didSend          bool
	didReact         bool
	finalized        bool
	typingStop       chan struct{}
}

// NewReply creates a reply bound to one conversation. ctx bounds all
// transport calls made during streaming.
func NewReply(ctx context.Context, t Transport, opts ReplyOptions) *Reply {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger()
	}
	r := &Reply{transport: t, opts: opts, ctx: ctx, mode: ModeEdit}
	r.flushDone = sync.NewCond(&r.mu)
	return r
}

// OnDelta appends a streamed fragment and schedules a debounced flush.
// Safe to call from the engine's streaming goroutine.
func (r *Reply) OnDelta(text string) {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.buffer.WriteString(text)
	r.mu.Unlock()
	r.schedule(r.opts.FlushInterval)
}

// Finalize flushes the terminal text and returns the reply outcome.
func (r *Reply) Finalize(finalText string) (ReplyResult, error) {
	r.mu.Lock()
	if finalText != "" {
		// Engines report the full final text; prefer it over the
		// accumulated deltas in case fragments were dropped.
		r.buffer.Reset()
		r.buffer.WriteString(finalText)
	}
	r.finalized = true
	if r.scheduled != nil {
		r.scheduled.Stop()
		r.scheduled = nil
	}
	r.mu.Unlock()

	err := r.flush(true)
	r.stopTyping()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, visible := ParseDirectives(r.buffer.String(), r.opts.SilentTokens)
	res := ReplyResult{
		DidSend:      r.didSend,
		DidReact:     r.didReact,
		ResponseText: strings.TrimSpace(SanitizeVisible(visible)),
	}
	return res, err
}

// Abort stops timers and the typing indicator without flushing.
func (r *Reply) Abort() {
	r.mu.Lock()
	r.finalized = true
	if r.scheduled != nil {
		r.scheduled.Stop()
		r.scheduled = nil
	}
	r.mu.Unlock()
	r.stopTyping()
}

// schedule arms the single-slot flush timer. An armed timer is left alone
// so bursts of deltas coalesce into one flush.
func (r *Reply) schedule(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized || r.scheduled != nil {
		return
	}
	r.scheduled = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.scheduled = nil
		final := r.finalized
		r.mu.Unlock()
		if final {
			return
		}
		if err := r.flush(false); err != nil {
			r.opts.Logger.Warn("reply: flush failed", "chat_id", r.opts.ChatID, "error", err)
		}
	})
}

// flush runs the delivery state machine. One flush executes at a time: a
// debounced flush arriving while another runs sets the pending bit and is
// re-run after the active one completes, while the terminal flush waits for
// the in-flight one so the final text always reaches the wire.
func (r *Reply) flush(final bool) error {
	r.mu.Lock()
	for r.flushInProgress {
		if !final {
			r.pendingFlush = true
			r.mu.Unlock()
			return nil
		}
		r.flushDone.Wait()
	}
	r.flushInProgress = true
	raw := r.buffer.String()
	r.mu.Unlock()

	err := r.flushOnce(raw, final)

	r.mu.Lock()
	r.flushInProgress = false
	rerun := r.pendingFlush
	r.pendingFlush = false
	r.flushDone.Broadcast()
	r.mu.Unlock()

	if rerun && !final {
		r.schedule(r.opts.FlushInterval)
	}
	return err
}

func (r *Reply) flushOnce(raw string, final bool) error {
	if r.opts.IsCancelled != nil && r.opts.IsCancelled() {
		return nil
	}

	d, visible := ParseDirectives(raw, r.opts.SilentTokens)

	r.mu.Lock()
	if d.Reaction != "" {
		r.reaction = d.Reaction
	}
	if d.Mode != nil {
		r.mode = *d.Mode
	}
	if d.ReplyTo != 0 {
		r.replyTo = d.ReplyTo
	} else if d.ReplyToCurrent {
		r.replyTo = r.opts.InitiatorID
	}
	silent := d.Silent || r.mode == ModeSilent
	mode := r.mode
	r.mu.Unlock()

	visible = strings.TrimSpace(SanitizeVisible(visible))

	if silent {
		if !final {
			return nil
		}
		return r.finishSilent()
	}

	if visible == "" {
		return nil
	}
	r.triggerWillSend()

	// Throttle non-final flushes.
	r.mu.Lock()
	if !final && !r.lastFlushAt.IsZero() && time.Since(r.lastFlushAt) < r.opts.FlushInterval {
		r.mu.Unlock()
		r.schedule(r.opts.FlushInterval)
		return nil
	}
	r.lastFlushAt = time.Now()
	r.mu.Unlock()

	if mode == ModeAppend {
		return r.flushAppend(visible)
	}
	return r.flushEdit(visible, final)
}

// flushAppend sends the unsent suffix of the visible text as a new message.
func (r *Reply) flushAppend(visible string) error {
	r.mu.Lock()
	prev := r.lastSentText
	r.mu.Unlock()

	// Diff against the delivered prefix instead of assuming it is intact:
	// a directive completing late can rewrite earlier visible text, and
	// re-sending what the user already has is worse than skipping it.
	delta := strings.TrimSpace(visible[commonPrefixLen(prev, visible):])
	if delta == "" {
		return nil
	}
	id, err := r.send(delta, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lastSentText = visible
	if r.firstSentID == 0 {
		r.firstSentID = id
	}
	r.didSend = true
	r.mu.Unlock()
	return nil
}

// flushEdit renders, chunks, and sends or edits the streaming message.
func (r *Reply) flushEdit(visible string, final bool) error {
	text, entities := r.render(visible)
	if !final {
		text, entities = truncateRendered(text, entities, chunkLimit)
	}
	chunks := splitRendered(text, entities, chunkLimit)
	if len(chunks) == 0 {
		return nil
	}
	head := chunks[0]

	r.mu.Lock()
	unchanged := normEqual(head.text, r.lastRenderedText)
	msgID := r.sentMessageID
	r.mu.Unlock()

	if unchanged && !final {
		return nil
	}

	if msgID == 0 {
		id, err := r.send(head.text, head.entities)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.sentMessageID = id
		if r.firstSentID == 0 {
			r.firstSentID = id
		}
		r.lastRenderedText = head.text
		r.didSend = true
		r.mu.Unlock()
	} else if !unchanged {
		err := r.transport.Edit(r.ctx, r.opts.ChatID, msgID, head.text, head.entities)
		switch {
		case err == nil:
			r.mu.Lock()
			r.lastRenderedText = head.text
			r.didSend = true
			r.mu.Unlock()
		case IsNotModified(err):
			// Same bytes on the wire already; treat as delivered.
			r.mu.Lock()
			r.lastRenderedText = head.text
			r.mu.Unlock()
		default:
			// Edit target is gone or rejected: promote to append and
			// deliver as a fresh message.
			r.opts.Logger.Warn("reply: edit failed, promoting to append", "chat_id", r.opts.ChatID, "error", err)
			id, sendErr := r.send(head.text, head.entities)
			if sendErr != nil {
				return sendErr
			}
			r.mu.Lock()
			r.mode = ModeAppend
			r.sentMessageID = id
			r.lastSentText = visible
			r.lastRenderedText = head.text
			r.didSend = true
			r.mu.Unlock()
		}
	}

	if final {
		for _, c := range chunks[1:] {
			if _, err := r.send(c.text, c.entities); err != nil {
				return err
			}
		}
	}
	return nil
}

// finishSilent delivers the silent-path acknowledgement: a reaction on the
// initiator, falling back to a plain emoji message when reactions fail.
func (r *Reply) finishSilent() error {
	if r.opts.InitiatorID == 0 {
		return nil
	}
	r.mu.Lock()
	emoji := r.reaction
	r.mu.Unlock()
	if emoji == "" {
		emoji = defaultSilentReaction
	}
	if err := r.transport.React(r.ctx, r.opts.ChatID, r.opts.InitiatorID, emoji); err != nil {
		r.opts.Logger.Debug("reply: reaction failed, sending text fallback", "error", err)
		if _, err := r.send(emoji, nil); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.didReact = true
	r.mu.Unlock()
	return nil
}

func (r *Reply) send(text string, entities []Entity) (int64, error) {
	r.mu.Lock()
	opts := &SendOptions{ThreadID: r.opts.ThreadID, ReplyTo: r.replyTo, Entities: entities}
	// Reply threading applies to the first outbound message only.
	r.replyTo = 0
	r.mu.Unlock()
	return r.transport.Send(r.ctx, r.opts.ChatID, text, opts)
}

func (r *Reply) render(visible string) (string, []Entity) {
	if r.opts.Render == nil {
		return visible, nil
	}
	return r.opts.Render(visible)
}

// triggerWillSend fires OnWillSend once and starts the typing pinger.
func (r *Reply) triggerWillSend() {
	r.mu.Lock()
	if r.didTriggerSend {
		r.mu.Unlock()
		return
	}
	r.didTriggerSend = true
	r.typingStop = make(chan struct{})
	stop := r.typingStop
	r.mu.Unlock()

	if r.opts.OnWillSend != nil {
		r.opts.OnWillSend()
	}
	go func() {
		_ = r.transport.Typing(r.ctx, r.opts.ChatID)
		t := time.NewTicker(typingInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.ctx.Done():
				return
			case <-t.C:
				_ = r.transport.Typing(r.ctx, r.opts.ChatID)
			}
		}
	}()
}

func (r *Reply) stopTyping() {
	r.mu.Lock()
	if r.typingStop != nil {
		close(r.typingStop)
		r.typingStop = nil
	}
	r.mu.Unlock()
}

// StreamReply runs an engine invocation through a Reply: deltas stream into
// the state machine and the engine's final text drives the terminal flush.
func StreamReply(ctx context.Context, eng Engine, req EngineRequest, t Transport, opts ReplyOptions) (ReplyResult, error) {
	r := NewReply(ctx, t, opts)
	req.OnDelta = r.OnDelta
	engineRes, err := eng.Run(ctx, req)
	if err != nil {
		r.Abort()
		return ReplyResult{}, err
	}
	res, err := r.Finalize(engineRes.FinalText)
	res.Actions = engineRes.Actions
	res.SessionToken = engineRes.SessionToken
	return res, err
}

// commonPrefixLen returns the byte length of the longest common prefix of
// a and b, backed off to a rune boundary.
func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	for n > 0 && n < len(a) && !utf8.RuneStart(a[n]) {
		n--
	}
	return n
}

// normEqual compares visible texts NFC-normalized, so cosmetically equal
// renders never produce a second wire write.
func normEqual(a, b string) bool {
	if a == b {
		return true
	}
	return norm.NFC.String(a) == norm.NFC.String(b)
}

// --- chunking ---

type renderedChunk struct {
	text     string
	entities []Entity
}

// splitRendered splits rendered text at paragraph boundaries into chunks of
// at most maxChars characters, slicing entities by UTF-16 offset to follow
// their text.
func splitRendered(text string, entities []Entity, maxChars int) []renderedChunk {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxChars {
		return []renderedChunk{{text: text, entities: entities}}
	}

	paras := strings.SplitAfter(text, "\n\n")
	var pieces []string
	for _, p := range paras {
		// A single oversized paragraph still has to fit one message.
		for utf8.RuneCountInString(p) > maxChars {
			cut := runeSlicePoint(p, maxChars)
			if idx := strings.LastIndex(p[:cut], "\n"); idx > 0 {
				cut = idx + 1
			}
			pieces = append(pieces, p[:cut])
			p = p[cut:]
		}
		if p != "" {
			pieces = append(pieces, p)
		}
	}

	var chunks []renderedChunk
	var cur strings.Builder
	curRunes := 0
	offset := 0 // utf-16 units consumed by completed chunks

	flushCur := func() {
		if cur.Len() == 0 {
			return
		}
		s := cur.String()
		units := utf16Len(s)
		chunks = append(chunks, renderedChunk{
			text:     strings.TrimRight(s, "\n"),
			entities: sliceEntities(entities, offset, units),
		})
		offset += units
		cur.Reset()
		curRunes = 0
	}

	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if curRunes+n > maxChars {
			flushCur()
		}
		cur.WriteString(p)
		curRunes += n
	}
	flushCur()
	return chunks
}

// sliceEntities returns the entities overlapping [start, start+length),
// clipped and rebased to the chunk.
func sliceEntities(entities []Entity, start, length int) []Entity {
	var out []Entity
	end := start + length
	for _, e := range entities {
		eEnd := e.Offset + e.Length
		if eEnd <= start || e.Offset >= end {
			continue
		}
		o := e.Offset
		if o < start {
			o = start
		}
		stop := eEnd
		if stop > end {
			stop = end
		}
		e.Offset = o - start
		e.Length = stop - o
		out = append(out, e)
	}
	return out
}

// truncateRendered caps a non-final preview at maxChars characters,
// dropping entities past the cut.
func truncateRendered(text string, entities []Entity, maxChars int) (string, []Entity) {
	if utf8.RuneCountInString(text) <= maxChars {
		return text, entities
	}
	cut := runeSlicePoint(text, maxChars)
	text = text[:cut]
	return text, sliceEntities(entities, 0, utf16Len(text))
}

// runeSlicePoint returns the byte index after n runes of s.
func runeSlicePoint(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

// utf16Len counts s in UTF-16 code units, the transport's offset space.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}
