// Package recall builds and queries the hybrid (keyword + vector) index
// over the user's markdown notes: heading-aware chunking, fingerprinted
// incremental indexing, and reciprocal-rank-fusion search.
package recall

import (
	"regexp"
	"strings"

	"github.com/bobd/bob"
)

const (
	// maxChunkTokens caps a chunk; oversized sections split into windows.
	maxChunkTokens = 500
	// overlapTokens is carried between windows of a split section.
	overlapTokens = 40
	// minTailTokens drops trailing fragments too small to retrieve well.
	minTailTokens = 50
	// previewChars is the stored per-chunk preview length.
	previewChars = 200
)

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

// section is a heading-bounded span of the source document.
type section struct {
	title       string
	breadcrumbs []string
	lines       []string
	lineStart   int // 1-based, inclusive
	lineEnd     int // 1-based, inclusive
}

// ChunkMarkdown splits a markdown document into heading-bounded chunks.
// Each chunk carries the breadcrumb trail of its ancestor headings so a
// retrieved snippet stays interpretable out of context. Sections larger
// than the token cap split into overlapping windows titled "X (cont.)".
func ChunkMarkdown(source, content string) []bob.Chunk {
	sections := splitSections(content)
	now := bob.NowUnixMilli()

	var chunks []bob.Chunk
	for _, sec := range sections {
		for _, c := range splitSection(sec) {
			c.ID = bob.NewID()
			c.Source = source
			c.CreatedAt = now
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// splitSections walks the document line by line, maintaining a stack of
// open headings. A heading at level N closes every section at level >= N.
func splitSections(content string) []section {
	lines := strings.Split(content, "\n")

	type openHeading struct {
		level int
		title string
	}
	var stack []openHeading
	var sections []section
	var cur *section

	closeCur := func(endLine int) {
		if cur == nil {
			return
		}
		cur.lineEnd = endLine
		if strings.TrimSpace(strings.Join(cur.lines, "\n")) != "" {
			sections = append(sections, *cur)
		}
		cur = nil
	}

	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			if cur == nil {
				// Preamble before the first heading.
				cur = &section{lineStart: i + 1}
			}
			cur.lines = append(cur.lines, line)
			continue
		}

		closeCur(i)
		level := len(m[1])
		title := strings.TrimSpace(m[2])

		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		crumbs := make([]string, 0, len(stack))
		for _, h := range stack {
			crumbs = append(crumbs, h.title)
		}
		stack = append(stack, openHeading{level: level, title: title})

		cur = &section{title: title, breadcrumbs: crumbs, lineStart: i + 1}
	}
	closeCur(len(lines))
	return sections
}

// splitSection turns one section into one or more chunks, windowing large
// bodies with overlap and dropping undersized tails.
func splitSection(sec section) []bob.Chunk {
	body := strings.TrimSpace(strings.Join(sec.lines, "\n"))
	if body == "" {
		return nil
	}

	if estimateTokens(body) <= maxChunkTokens {
		return []bob.Chunk{buildChunk(sec.title, sec.breadcrumbs, body, sec.lineStart, sec.lineEnd)}
	}

	maxChars := maxChunkTokens * 4
	step := maxChars - overlapTokens*4
	var chunks []bob.Chunk
	for start := 0; start < len(body); start += step {
		end := start + maxChars
		if end > len(body) {
			end = len(body)
		}
		window := strings.TrimSpace(body[start:end])
		isTail := end == len(body)
		if start > 0 && isTail && estimateTokens(window) < minTailTokens {
			break
		}
		title := sec.title
		if start > 0 && title != "" {
			title += " (cont.)"
		}
		chunks = append(chunks, buildChunk(title, sec.breadcrumbs, window, sec.lineStart, sec.lineEnd))
		if isTail {
			break
		}
	}
	return chunks
}

func buildChunk(title string, crumbs []string, body string, lineStart, lineEnd int) bob.Chunk {
	return bob.Chunk{
		Title:       title,
		Breadcrumbs: append([]string(nil), crumbs...),
		Content:     body,
		Preview:     preview(body),
		LineStart:   lineStart,
		LineEnd:     lineEnd,
		TokenCount:  estimateTokens(body),
	}
}

func preview(body string) string {
	p := strings.Join(strings.Fields(body), " ")
	if len(p) > previewChars {
		p = p[:previewChars]
	}
	return p
}

// estimateTokens approximates token count as chars/4, the usual ratio for
// English prose.
func estimateTokens(s string) int {
	return len(s) / 4
}
