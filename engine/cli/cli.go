// Package cli adapts coding-agent command-line tools (claude, codex,
// opencode, ...) into bob engines. Each engine is a subprocess whose
// stdout is consumed line by line, either as newline-delimited JSON events
// ("stream-json") or as plain text.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/bobd/bob"
)

// Output formats an engine binary can speak.
const (
	FormatStreamJSON = "stream-json"
	FormatText       = "text"
)

// maxLineBytes sizes the stdout scanner; stream-json lines can carry whole
// tool results.
const maxLineBytes = 4 * 1024 * 1024

// Config describes how to invoke one engine binary.
type Config struct {
	ID         string   // engine id, keys session tokens ("claude", "codex")
	Command    string   // binary to run
	Args       []string // fixed arguments, before any dynamic ones
	ResumeFlag string   // flag taking a session token ("--resume"); "" = no resume support
	Format     string   // FormatStreamJSON or FormatText
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs one configured CLI tool. Implements bob.Engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

var _ bob.Engine = (*Engine)(nil)

// New creates an engine from its invocation config.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.Format == "" {
		cfg.Format = FormatStreamJSON
	}
	e := &Engine{cfg: cfg, logger: bob.NopLogger()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ID names the engine.
func (e *Engine) ID() string { return e.cfg.ID }

// Run invokes the binary, streams its stdout through req.OnDelta, and
// returns the final text plus any session token the tool reported.
func (e *Engine) Run(ctx context.Context, req bob.EngineRequest) (bob.EngineResult, error) {
	args := append([]string(nil), e.cfg.Args...)
	if req.ResumeToken != "" && e.cfg.ResumeFlag != "" {
		args = append(args, e.cfg.ResumeFlag, req.ResumeToken)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	if req.CWD != "" {
		cmd.Dir = req.CWD
	}
	cmd.Stdin = strings.NewReader(buildPrompt(req))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return bob.EngineResult{}, fmt.Errorf("cli: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	e.logger.Debug("cli: engine starting", "engine", e.cfg.ID, "resume", req.ResumeToken != "")
	if err := cmd.Start(); err != nil {
		return bob.EngineResult{}, &bob.ErrEngine{Engine: e.cfg.ID, Message: err.Error()}
	}

	var res bob.EngineResult
	var parseErr error
	switch e.cfg.Format {
	case FormatText:
		res, parseErr = e.consumeText(stdout, req.OnDelta)
	default:
		res, parseErr = e.consumeStreamJSON(stdout, req.OnDelta)
	}

	waitErr := cmd.Wait()
	e.logger.Debug("cli: engine finished",
		"engine", e.cfg.ID, "duration", time.Since(start), "error", waitErr)

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return res, &bob.ErrEngine{Engine: e.cfg.ID, Message: tail(msg, 500)}
	}
	if parseErr != nil {
		return res, fmt.Errorf("cli: read %s output: %w", e.cfg.ID, parseErr)
	}
	return res, nil
}

// streamEvent is the subset of the stream-json grammar the adapter needs.
type streamEvent struct {
	Type      string `json:"type"`
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   *struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

func (e *Engine) consumeStreamJSON(r io.Reader, onDelta func(string)) (bob.EngineResult, error) {
	var res bob.EngineResult
	var text strings.Builder

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Tools sometimes print banners around the JSON stream.
			e.logger.Debug("cli: skipping non-json line", "line", tail(line, 120))
			continue
		}
		if ev.SessionID != "" {
			res.SessionToken = ev.SessionID
		}
		switch ev.Type {
		case "assistant":
			if ev.Message == nil {
				continue
			}
			for _, c := range ev.Message.Content {
				switch c.Type {
				case "text":
					text.WriteString(c.Text)
					if onDelta != nil {
						onDelta(c.Text)
					}
				case "tool_use":
					res.Actions = append(res.Actions, toolAction(c.Name, c.Input))
				}
			}
		case "result":
			if ev.Result != "" {
				res.FinalText = ev.Result
			}
		}
	}
	if res.FinalText == "" {
		res.FinalText = text.String()
	}
	return res, sc.Err()
}

func (e *Engine) consumeText(r io.Reader, onDelta func(string)) (bob.EngineResult, error) {
	var text strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text() + "\n"
		text.WriteString(line)
		if onDelta != nil {
			onDelta(line)
		}
	}
	return bob.EngineResult{FinalText: strings.TrimSpace(text.String())}, sc.Err()
}

// buildPrompt appends attachment references so file-capable tools can read
// the images the user sent.
func buildPrompt(req bob.EngineRequest) string {
	if len(req.Images) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString(req.Prompt)
	for _, p := range req.Images {
		fmt.Fprintf(&b, "\n[attached image: %s]", p)
	}
	return b.String()
}

// toolAction classifies a tool_use block by its tool name.
func toolAction(name string, input json.RawMessage) bob.Action {
	var typ bob.ActionType
	switch strings.ToLower(name) {
	case "bash", "shell", "exec":
		typ = bob.ActionBash
	case "read", "read_file", "view":
		typ = bob.ActionRead
	case "write", "write_file", "create":
		typ = bob.ActionWrite
	case "edit", "str_replace", "apply_patch":
		typ = bob.ActionEdit
	default:
		typ = bob.ActionTool
	}
	return bob.Action{Type: typ, Name: name, Detail: toolDetail(typ, input)}
}

// toolDetail extracts the one interesting parameter of a tool call.
func toolDetail(typ bob.ActionType, input json.RawMessage) string {
	var params struct {
		Command  string `json:"command"`
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if json.Unmarshal(input, &params) != nil {
		return ""
	}
	switch typ {
	case bob.ActionBash:
		return tail(params.Command, 120)
	default:
		if params.FilePath != "" {
			return params.FilePath
		}
		return params.Path
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
