// Package telegram is the raw Bot API client: long-polling with a durable
// offset, entity-based formatting, and the small method surface the daemon
// needs (send, edit, react, typing, file download).
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bobd/bob"
)

const (
	apiBaseURL = "https://api.telegram.org/bot"
	// pollTimeout is the long-poll window handed to getUpdates.
	pollTimeout = 30
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithOffsetPath persists the getUpdates offset at path so a restart never
// replays already-handled updates.
func WithOffsetPath(path string) ClientOption {
	return func(c *Client) { c.offsetPath = path }
}

// WithBaseURL overrides the API base URL, for tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// Client talks to the Telegram Bot API over plain HTTP JSON.
// Implements bob.Transport.
type Client struct {
	token      string
	http       *http.Client
	logger     *slog.Logger
	baseURL    string
	offsetPath string
}

var _ bob.Transport = (*Client)(nil)

// NewClient creates a Bot API client for the given token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		http:    &http.Client{Timeout: (pollTimeout + 10) * time.Second},
		logger:  bob.NopLogger(),
		baseURL: apiBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Poll starts long-polling for updates and returns a channel of incoming
// messages. The channel closes when ctx is cancelled.
func (c *Client) Poll(ctx context.Context) <-chan IncomingMessage {
	ch := make(chan IncomingMessage)
	go c.pollLoop(ctx, ch)
	return ch
}

func (c *Client) pollLoop(ctx context.Context, ch chan<- IncomingMessage) {
	defer close(ch)
	offset := c.loadOffset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := c.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("telegram: poll error", "error", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
				c.saveOffset(offset)
			}
			if u.Message == nil {
				continue
			}
			select {
			case ch <- mapIncoming(u.Message):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := c.call(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Send delivers a new message with pre-computed entities. When Telegram
// rejects the entity list, the send retries once without formatting rather
// than losing the message.
func (c *Client) Send(ctx context.Context, chatID int64, text string, opts *bob.SendOptions) (int64, error) {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if opts != nil {
		if opts.ThreadID != 0 {
			body["message_thread_id"] = opts.ThreadID
		}
		if opts.ReplyTo != 0 {
			body["reply_parameters"] = map[string]any{
				"message_id":                  opts.ReplyTo,
				"allow_sending_without_reply": true,
			}
		}
		if len(opts.Entities) > 0 {
			body["entities"] = opts.Entities
		}
	}

	var result Message
	err := c.call(ctx, "sendMessage", body, &result)
	if err != nil && bob.IsEntityError(err) && opts != nil && len(opts.Entities) > 0 {
		c.logger.Warn("telegram: entities rejected, retrying plain", "chat_id", chatID, "error", err)
		delete(body, "entities")
		err = c.call(ctx, "sendMessage", body, &result)
	}
	if err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// Edit replaces a message's text and entities. "message is not modified"
// comes back as the API error for the caller to classify.
func (c *Client) Edit(ctx context.Context, chatID, messageID int64, text string, entities []bob.Entity) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if len(entities) > 0 {
		body["entities"] = entities
	}
	err := c.call(ctx, "editMessageText", body, nil)
	if err != nil && bob.IsEntityError(err) && len(entities) > 0 {
		c.logger.Warn("telegram: edit entities rejected, retrying plain", "chat_id", chatID, "error", err)
		delete(body, "entities")
		err = c.call(ctx, "editMessageText", body, nil)
	}
	return err
}

// React sets a single emoji reaction on a message.
func (c *Client) React(ctx context.Context, chatID, messageID int64, emoji string) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"reaction":   []map[string]any{{"type": "emoji", "emoji": emoji}},
	}
	return c.call(ctx, "setMessageReaction", body, nil)
}

// Typing shows a typing indicator. Best-effort.
func (c *Client) Typing(ctx context.Context, chatID int64) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"}, nil)
}

// SetCommands registers the bot's command menu.
func (c *Client) SetCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

// Download fetches a file by file_id: getFile for the path, then a plain
// GET against the file endpoint. Returns content and the original filename.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, string, error) {
	var file File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, "", err
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}

	url := strings.Replace(c.baseURL, "/bot", "/file/bot", 1) + c.token + "/" + file.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: create download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("telegram: download file HTTP %d: %s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file body: %w", err)
	}
	parts := strings.Split(file.FilePath, "/")
	return data, parts[len(parts)-1], nil
}

// call posts JSON to a Bot API method and decodes the ok/result envelope.
func (c *Client) call(ctx context.Context, method string, reqBody any, result any) error {
	url := c.baseURL + c.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}
	if !envelope.OK {
		return &bob.ErrTransport{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// --- offset persistence ---

func (c *Client) loadOffset() int64 {
	if c.offsetPath == "" {
		return 0
	}
	data, err := os.ReadFile(c.offsetPath)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// saveOffset writes via temp file + rename so a crash mid-write never
// corrupts the offset.
func (c *Client) saveOffset(offset int64) {
	if c.offsetPath == "" {
		return
	}
	dir := filepath.Dir(c.offsetPath)
	tmp, err := os.CreateTemp(dir, "offset.tmp*")
	if err != nil {
		c.logger.Warn("telegram: persist offset", "error", err)
		return
	}
	_, werr := tmp.WriteString(strconv.FormatInt(offset, 10))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		return
	}
	if err := os.Rename(tmp.Name(), c.offsetPath); err != nil {
		c.logger.Warn("telegram: persist offset", "error", err)
	}
}

func mapIncoming(m *Message) IncomingMessage {
	msg := IncomingMessage{
		MessageID: m.MessageID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.MessageThreadID,
		Text:      m.Text,
		Document:  m.Document,
		Date:      m.Date,
	}
	if m.From != nil {
		msg.UserID = m.From.ID
		msg.Username = m.From.Username
	}
	if m.Caption != "" && msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = m.ReplyToMessage.MessageID
	}
	if len(m.Photo) > 0 {
		// Telegram lists sizes ascending; keep the largest.
		msg.PhotoIDs = append(msg.PhotoIDs, m.Photo[len(m.Photo)-1].FileID)
	}
	return msg
}
