package bob

import (
	"regexp"
	"strconv"
	"strings"
)

// StreamMode is the reply engine's delivery mode.
type StreamMode int

const (
	ModeEdit   StreamMode = iota // edit one message in place as text streams
	ModeAppend                   // send each delta as a new message
	ModeSilent                   // suppress visible output
)

func (m StreamMode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeSilent:
		return "silent"
	default:
		return "edit"
	}
}

// Directives is the typed result of scanning a token buffer for in-band
// control markers. Silent is a dedicated field rather than a sentinel
// substring the caller would have to re-scan for.
type Directives struct {
	Reaction       string
	Mode           *StreamMode // nil = unchanged
	ReplyTo        int64
	ReplyToCurrent bool
	Silent         bool
}

var (
	reDirective = regexp.MustCompile(`\[\[\s*(react|stream|reply_to|reply_to_current)\s*(?::\s*([^\]]+?))?\s*\]\]`)
	// [tg:<tag>[:value]] aliases the double-bracket grammar.
	reTGAlias = regexp.MustCompile(`\[tg:([a-z_]+)(?::([^\]]+))?\]`)
	// Reasoning wrappers some engines leak into their visible stream.
	reThinking = regexp.MustCompile(`(?s)<(thinking|reasoning|antThinking)>.*?(</(thinking|reasoning|antThinking)>|\z)`)
)

// ParseDirectives scans text for in-band directives, returning the typed
// directive set and the text with all markers stripped. A silent token from
// silentTokens appearing in the visible text marks the result silent and is
// removed.
func ParseDirectives(text string, silentTokens []string) (Directives, string) {
	var d Directives

	apply := func(tag, value string) string {
		switch tag {
		case "react":
			d.Reaction = strings.TrimSpace(value)
		case "stream":
			switch strings.TrimSpace(strings.ToLower(value)) {
			case "edit":
				m := ModeEdit
				d.Mode = &m
			case "append":
				m := ModeAppend
				d.Mode = &m
			case "off":
				m := ModeSilent
				d.Mode = &m
			}
		case "reply_to":
			if id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
				d.ReplyTo = id
			}
		case "reply_to_current":
			d.ReplyToCurrent = true
		}
		return ""
	}

	stripped := reDirective.ReplaceAllStringFunc(text, func(m string) string {
		sub := reDirective.FindStringSubmatch(m)
		return apply(sub[1], sub[2])
	})
	stripped = reTGAlias.ReplaceAllStringFunc(stripped, func(m string) string {
		sub := reTGAlias.FindStringSubmatch(m)
		return apply(sub[1], sub[2])
	})

	for _, tok := range silentTokens {
		if tok == "" {
			continue
		}
		if strings.Contains(stripped, tok) {
			d.Silent = true
			stripped = strings.ReplaceAll(stripped, tok, "")
		}
	}
	if d.Mode != nil && *d.Mode == ModeSilent {
		d.Silent = true
	}

	return d, stripped
}

// SanitizeVisible removes reasoning wrappers engines sometimes emit into
// their token stream.
func SanitizeVisible(text string) string {
	return reThinking.ReplaceAllString(text, "")
}
