package bob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type wireMsg struct {
	messageID int64
	text      string
	entities  []Entity
	replyTo   int64
}

// fakeTransport records every wire call and can be told to fail.
type fakeTransport struct {
	mu        sync.Mutex
	sends     []wireMsg
	edits     []wireMsg
	reactions []string
	nextID    int64

	sendErr  error
	editErr  error
	reactErr error
}

func (f *fakeTransport) Send(_ context.Context, _ int64, text string, opts *SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	m := wireMsg{messageID: f.nextID, text: text}
	if opts != nil {
		m.entities = opts.Entities
		m.replyTo = opts.ReplyTo
	}
	f.sends = append(f.sends, m)
	return f.nextID, nil
}

func (f *fakeTransport) Edit(_ context.Context, _, messageID int64, text string, entities []Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, wireMsg{messageID: messageID, text: text, entities: entities})
	return nil
}

func (f *fakeTransport) React(_ context.Context, _, _ int64, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactErr != nil {
		return f.reactErr
	}
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) Typing(context.Context, int64) error { return nil }

func (f *fakeTransport) sent() []wireMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireMsg(nil), f.sends...)
}

func (f *fakeTransport) edited() []wireMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireMsg(nil), f.edits...)
}

func TestReplyFinalizeSendsOnce(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, InitiatorID: 10})

	res, err := r.Finalize("hello there")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.DidSend || res.ResponseText != "hello there" {
		t.Errorf("result = %+v", res)
	}
	sends := tr.sent()
	if len(sends) != 1 || sends[0].text != "hello there" {
		t.Errorf("sends = %+v", sends)
	}
}

func TestReplyStreamingEditsInPlace(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, FlushInterval: 5 * time.Millisecond})

	r.OnDelta("first ")
	waitFor(t, func() bool { return len(tr.sent()) == 1 })

	r.OnDelta("second")
	waitFor(t, func() bool { return len(tr.edited()) >= 1 })

	res, err := r.Finalize("")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.ResponseText != "first second" {
		t.Errorf("ResponseText = %q", res.ResponseText)
	}
	sends := tr.sent()
	if len(sends) != 1 {
		t.Fatalf("streaming should keep editing one message, sent %d", len(sends))
	}
	edits := tr.edited()
	last := edits[len(edits)-1]
	if last.messageID != sends[0].messageID || last.text != "first second" {
		t.Errorf("last edit = %+v", last)
	}
}

func TestReplyNeverRepeatsUnchangedText(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, FlushInterval: 5 * time.Millisecond})

	r.OnDelta("stable")
	waitFor(t, func() bool { return len(tr.sent()) == 1 })

	if _, err := r.Finalize("stable"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := len(tr.sent()); n != 1 {
		t.Errorf("unchanged text sent %d times", n)
	}
	if n := len(tr.edited()); n != 0 {
		t.Errorf("unchanged text edited %d times", n)
	}
}

func TestReplySilentTokenReacts(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{
		ChatID: 1, InitiatorID: 99, SilentTokens: []string{"HEARTBEAT_OK"},
	})

	res, err := r.Finalize("HEARTBEAT_OK")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.DidSend {
		t.Error("silent reply must not send")
	}
	if !res.DidReact {
		t.Error("silent reply should react")
	}
	if res.ResponseText != "" {
		t.Errorf("ResponseText = %q, want empty", res.ResponseText)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.reactions) != 1 || tr.reactions[0] != "👍" {
		t.Errorf("reactions = %v", tr.reactions)
	}
}

func TestReplySilentUsesDirectiveReaction(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{
		ChatID: 1, InitiatorID: 99, SilentTokens: []string{"NO_REPLY"},
	})

	if _, err := r.Finalize("[[react:🌙]] NO_REPLY"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.reactions) != 1 || tr.reactions[0] != "🌙" {
		t.Errorf("reactions = %v, want the directive emoji", tr.reactions)
	}
}

func TestReplySilentReactionFallsBackToText(t *testing.T) {
	tr := &fakeTransport{reactErr: errors.New("reactions unsupported")}
	r := NewReply(context.Background(), tr, ReplyOptions{
		ChatID: 1, InitiatorID: 99, SilentTokens: []string{"NO_REPLY"},
	})

	res, err := r.Finalize("NO_REPLY")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.DidReact {
		t.Error("fallback should still count as a reaction")
	}
	sends := tr.sent()
	if len(sends) != 1 || sends[0].text != "👍" {
		t.Errorf("expected emoji text fallback, got %+v", sends)
	}
}

func TestReplySilentWithoutInitiatorDoesNothing(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, SilentTokens: []string{"NO_REPLY"}})

	res, err := r.Finalize("NO_REPLY")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.DidSend || res.DidReact {
		t.Errorf("nothing should happen without an initiator: %+v", res)
	}
}

func TestReplyEditFailurePromotesToAppend(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, FlushInterval: 5 * time.Millisecond})

	r.OnDelta("part one")
	waitFor(t, func() bool { return len(tr.sent()) == 1 })

	tr.mu.Lock()
	tr.editErr = &ErrTransport{Code: 400, Description: "message to edit not found"}
	tr.mu.Unlock()

	res, err := r.Finalize("part one, extended")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.DidSend {
		t.Error("promotion should still deliver")
	}
	sends := tr.sent()
	if len(sends) != 2 {
		t.Fatalf("expected a fresh message after edit failure, sent %d", len(sends))
	}
	if sends[1].text != "part one, extended" {
		t.Errorf("promoted send = %q", sends[1].text)
	}
}

func TestReplyNotModifiedIsDelivered(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, FlushInterval: 5 * time.Millisecond})

	r.OnDelta("same text")
	waitFor(t, func() bool { return len(tr.sent()) == 1 })

	tr.mu.Lock()
	tr.editErr = &ErrTransport{Code: 400, Description: "Bad Request: message is not modified"}
	tr.mu.Unlock()

	// Force a flush with different buffered text so an edit is attempted.
	res, err := r.Finalize("same text.")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(tr.sent()) != 1 {
		t.Errorf("not-modified must not trigger a resend, sent %d", len(tr.sent()))
	}
	if res.ResponseText != "same text." {
		t.Errorf("ResponseText = %q", res.ResponseText)
	}
}

func TestReplyAppendModeDirective(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1})

	res, err := r.Finalize("[[stream:append]]progress update")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.DidSend {
		t.Error("append mode should send")
	}
	sends := tr.sent()
	if len(sends) != 1 || sends[0].text != "progress update" {
		t.Errorf("sends = %+v", sends)
	}
}

func TestReplyReplyToCurrentThreadsFirstMessage(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, InitiatorID: 77})

	if _, err := r.Finalize("[[reply_to_current]]" + strings.Repeat("para\n\n", 900)); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	sends := tr.sent()
	if len(sends) < 2 {
		t.Fatalf("long final should span multiple messages, sent %d", len(sends))
	}
	if sends[0].replyTo != 77 {
		t.Errorf("first message replyTo = %d, want 77", sends[0].replyTo)
	}
	for _, m := range sends[1:] {
		if m.replyTo != 0 {
			t.Errorf("only the first message should thread, got replyTo=%d", m.replyTo)
		}
	}
}

func TestReplyFinalTextWins(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1})

	r.OnDelta("partial garbage")
	res, err := r.Finalize("authoritative final")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.ResponseText != "authoritative final" {
		t.Errorf("ResponseText = %q", res.ResponseText)
	}
}

func TestReplyAbortSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, FlushInterval: time.Hour})

	r.OnDelta("buffered but never flushed")
	r.Abort()
	time.Sleep(10 * time.Millisecond)
	if n := len(tr.sent()); n != 0 {
		t.Errorf("abort should suppress delivery, sent %d", n)
	}
}

func TestReplyCancelledSuppressesSends(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{
		ChatID:      1,
		IsCancelled: func() bool { return true },
	})
	res, err := r.Finalize("should not appear")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.DidSend || len(tr.sent()) != 0 {
		t.Error("cancelled reply still delivered")
	}
}

// blockingTransport parks the first Send until released, exposing the
// window where a debounced flush is mid-call on the wire.
type blockingTransport struct {
	fakeTransport
	entered chan struct{} // closed when the first send starts
	release chan struct{} // first send blocks until this closes
	first   sync.Once
}

func (b *blockingTransport) Send(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error) {
	b.first.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.fakeTransport.Send(ctx, chatID, text, opts)
}

func TestReplyFinalizeWaitsForInflightFlush(t *testing.T) {
	tr := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, FlushInterval: 2 * time.Millisecond})

	r.OnDelta("hello")
	<-tr.entered // debounced flush is now stuck inside Send

	final := "hello world, the full final answer"
	done := make(chan ReplyResult, 1)
	go func() {
		res, err := r.Finalize(final)
		if err != nil {
			t.Errorf("Finalize: %v", err)
		}
		done <- res
	}()
	// Give Finalize time to reach the in-flight flush before releasing it.
	time.Sleep(10 * time.Millisecond)
	close(tr.release)

	res := <-done
	if !res.DidSend || res.ResponseText != final {
		t.Fatalf("result = %+v", res)
	}
	delivered := false
	for _, m := range append(tr.sent(), tr.edited()...) {
		if m.text == final {
			delivered = true
		}
	}
	if !delivered {
		t.Errorf("final text never reached the wire: sent=%+v edits=%+v", tr.sent(), tr.edited())
	}
}

func TestReplyAppendDiffsAgainstRevisedPrefix(t *testing.T) {
	tr := &fakeTransport{}
	r := NewReply(context.Background(), tr, ReplyOptions{ChatID: 1, FlushInterval: 2 * time.Millisecond})

	// The directive is split across deltas: the first flush delivers the
	// half-open marker as visible text, the second strips it.
	r.OnDelta("[[stream:append]]Hello [[re")
	waitFor(t, func() bool { return len(tr.sent()) == 1 })

	r.OnDelta("act:🔥]] world")
	if _, err := r.Finalize(""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	sends := tr.sent()
	if len(sends) != 2 {
		t.Fatalf("expected 2 sends, got %+v", sends)
	}
	if sends[1].text != "world" {
		t.Errorf("already-delivered text re-sent: %q", sends[1].text)
	}
}

func TestCommonPrefixLen(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "abc", 3},
		{"abc", "abd", 2},
		{"abc", "xyz", 0},
		{"ab", "abcd", 2},
		// Never split a multi-byte rune.
		{"a👍x", "a👍y", len("a👍")},
		{"a👍", "a👎", 1},
	}
	for _, tc := range cases {
		if got := commonPrefixLen(tc.a, tc.b); got != tc.want {
			t.Errorf("commonPrefixLen(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

type fakeEngine struct {
	deltas []string
	result EngineResult
	err    error
}

func (e *fakeEngine) ID() string { return "fake" }

func (e *fakeEngine) Run(_ context.Context, req EngineRequest) (EngineResult, error) {
	for _, d := range e.deltas {
		if req.OnDelta != nil {
			req.OnDelta(d)
		}
	}
	return e.result, e.err
}

func TestStreamReplyCarriesEngineResult(t *testing.T) {
	tr := &fakeTransport{}
	eng := &fakeEngine{
		deltas: []string{"hel", "lo"},
		result: EngineResult{
			FinalText:    "hello",
			SessionToken: "sess-1",
			Actions:      []Action{{Type: ActionBash, Name: "bash", Detail: "ls"}},
		},
	}
	res, err := StreamReply(context.Background(), eng, EngineRequest{Prompt: "hi"}, tr, ReplyOptions{ChatID: 1})
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}
	if res.SessionToken != "sess-1" || len(res.Actions) != 1 {
		t.Errorf("engine result not carried through: %+v", res)
	}
	if res.ResponseText != "hello" {
		t.Errorf("ResponseText = %q", res.ResponseText)
	}
}

func TestStreamReplyEngineFailureAborts(t *testing.T) {
	tr := &fakeTransport{}
	eng := &fakeEngine{err: &ErrEngine{Engine: "fake", Message: "exploded"}}

	_, err := StreamReply(context.Background(), eng, EngineRequest{}, tr, ReplyOptions{ChatID: 1, FlushInterval: time.Hour})
	if err == nil {
		t.Fatal("expected engine error")
	}
	if n := len(tr.sent()); n != 0 {
		t.Errorf("failed run should not deliver, sent %d", n)
	}
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSplitRenderedShortTextSingleChunk(t *testing.T) {
	ents := []Entity{{Type: "bold", Offset: 0, Length: 5}}
	chunks := splitRendered("hello world", ents, 3500)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0].entities) != 1 || chunks[0].entities[0].Offset != 0 {
		t.Errorf("entities = %+v", chunks[0].entities)
	}
}

func TestSplitRenderedParagraphBoundaries(t *testing.T) {
	a := strings.Repeat("a", 30)
	b := strings.Repeat("b", 30)
	c := strings.Repeat("c", 30)
	text := a + "\n\n" + b + "\n\n" + c

	chunks := splitRendered(text, nil, 40)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].text != a || chunks[1].text != b || chunks[2].text != c {
		t.Errorf("chunks split mid-paragraph: %q", chunks[0].text)
	}
}

func TestSplitRenderedRebasesEntities(t *testing.T) {
	a := strings.Repeat("a", 30)
	b := strings.Repeat("b", 30)
	text := a + "\n\n" + b
	// Bold over the first 10 chars of the second paragraph.
	ents := []Entity{{Type: "bold", Offset: 32, Length: 10}}

	chunks := splitRendered(text, ents, 40)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0].entities) != 0 {
		t.Errorf("first chunk should carry no entities: %+v", chunks[0].entities)
	}
	if len(chunks[1].entities) != 1 {
		t.Fatalf("second chunk entities = %+v", chunks[1].entities)
	}
	if got := chunks[1].entities[0]; got.Offset != 0 || got.Length != 10 {
		t.Errorf("entity not rebased: %+v", got)
	}
}

func TestSliceEntitiesClipsSpans(t *testing.T) {
	ents := []Entity{
		{Type: "bold", Offset: 0, Length: 10},   // fully before
		{Type: "italic", Offset: 5, Length: 10}, // straddles the start
		{Type: "code", Offset: 12, Length: 4},   // inside
		{Type: "bold", Offset: 18, Length: 10},  // straddles the end
		{Type: "code", Offset: 40, Length: 5},   // fully after
	}
	got := sliceEntities(ents, 10, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 overlapping entities, got %d: %+v", len(got), got)
	}
	if got[0].Offset != 0 || got[0].Length != 5 {
		t.Errorf("straddle-start not clipped: %+v", got[0])
	}
	if got[1].Offset != 2 || got[1].Length != 4 {
		t.Errorf("inside entity mis-rebased: %+v", got[1])
	}
	if got[2].Offset != 8 || got[2].Length != 2 {
		t.Errorf("straddle-end not clipped: %+v", got[2])
	}
}

func TestTruncateRendered(t *testing.T) {
	text := strings.Repeat("x", 100)
	ents := []Entity{
		{Type: "bold", Offset: 0, Length: 20},
		{Type: "code", Offset: 80, Length: 10},
	}
	got, gotEnts := truncateRendered(text, ents, 50)
	if len(got) != 50 {
		t.Errorf("truncated length = %d", len(got))
	}
	if len(gotEnts) != 1 || gotEnts[0].Type != "bold" {
		t.Errorf("entities past the cut should drop: %+v", gotEnts)
	}

	short, shortEnts := truncateRendered("tiny", ents, 50)
	if short != "tiny" || len(shortEnts) != 2 {
		t.Error("short text should pass through untouched")
	}
}

func TestUTF16Len(t *testing.T) {
	if got := utf16Len("abc"); got != 3 {
		t.Errorf("ascii: got %d, want 3", got)
	}
	if got := utf16Len("héllo"); got != 5 {
		t.Errorf("latin-1: got %d, want 5", got)
	}
	// Emoji outside the BMP occupy a surrogate pair.
	if got := utf16Len("👍"); got != 2 {
		t.Errorf("emoji: got %d, want 2", got)
	}
	if got := utf16Len("a👍b"); got != 4 {
		t.Errorf("mixed: got %d, want 4", got)
	}
}
