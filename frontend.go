package bob

import "context"

// Entity is a rich-text span in transport-native form (offsets and lengths
// in UTF-16 code units, as the Telegram Bot API counts them).
type Entity struct {
	Type     string `json:"type"` // bold, italic, code, pre, text_link, strikethrough
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`      // text_link only
	Language string `json:"language,omitempty"` // pre only
}

// SendOptions carries optional fields for Transport.Send.
type SendOptions struct {
	ThreadID int64
	ReplyTo  int64
	Entities []Entity
}

// Transport abstracts the chat channel the reply engine writes to.
type Transport interface {
	// Send delivers a new message and returns its message id.
	Send(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error)
	// Edit replaces the text of a previously sent message.
	Edit(ctx context.Context, chatID, messageID int64, text string, entities []Entity) error
	// React attaches an emoji reaction to a message.
	React(ctx context.Context, chatID, messageID int64, emoji string) error
	// Typing shows a typing indicator. Best-effort.
	Typing(ctx context.Context, chatID int64) error
}
