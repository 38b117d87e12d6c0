package telegram

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/bobd/bob"
)

// RenderEntities converts markdown to plain text plus Telegram message
// entities. Offsets and lengths are in UTF-16 code units, as the Bot API
// counts them. Unparseable input comes back verbatim with no entities.
func RenderEntities(md string) (string, []bob.Entity) {
	source := []byte(md)
	gm := goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
	doc := gm.Parser().Parse(text.NewReader(source))

	e := &entityEmitter{source: source}
	if err := ast.Walk(doc, e.walk); err != nil {
		return md, nil
	}
	return e.finish()
}

type openSpan struct {
	entity bob.Entity
	start  int // utf16 offset at open
}

// entityEmitter accumulates plain text while tracking the UTF-16 write
// position, opening and closing entity spans as the AST walk enters and
// leaves styled nodes.
type entityEmitter struct {
	source   []byte
	b        strings.Builder
	pos      int // utf16 units written
	entities []bob.Entity
	open     []openSpan
	listNum  int
}

func (e *entityEmitter) write(s string) {
	e.b.WriteString(s)
	e.pos += utf16Len(s)
}

func (e *entityEmitter) openEntity(typ, url, lang string) {
	e.open = append(e.open, openSpan{
		entity: bob.Entity{Type: typ, URL: url, Language: lang},
		start:  e.pos,
	})
}

func (e *entityEmitter) closeEntity() {
	if len(e.open) == 0 {
		return
	}
	span := e.open[len(e.open)-1]
	e.open = e.open[:len(e.open)-1]
	if length := e.pos - span.start; length > 0 {
		span.entity.Offset = span.start
		span.entity.Length = length
		e.entities = append(e.entities, span.entity)
	}
}

// blockGap separates block elements with a blank line, never at the start.
func (e *entityEmitter) blockGap() {
	if e.pos > 0 {
		e.write("\n")
	}
}

func (e *entityEmitter) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Heading:
		if entering {
			e.blockGap()
			e.openEntity("bold", "", "")
		} else {
			e.closeEntity()
			e.write("\n")
		}

	case *ast.Paragraph:
		if !entering {
			e.write("\n")
		}

	case *ast.Text:
		if entering {
			e.write(string(n.Segment.Value(e.source)))
			if n.SoftLineBreak() || n.HardLineBreak() {
				e.write("\n")
			}
		}

	case *ast.String:
		if entering {
			e.write(string(n.Value))
		}

	case *ast.CodeSpan:
		if entering {
			e.openEntity("code", "", "")
		} else {
			e.closeEntity()
		}

	case *ast.Emphasis:
		typ := "italic"
		if n.Level == 2 {
			typ = "bold"
		}
		if entering {
			e.openEntity(typ, "", "")
		} else {
			e.closeEntity()
		}

	case *extast.Strikethrough:
		if entering {
			e.openEntity("strikethrough", "", "")
		} else {
			e.closeEntity()
		}

	case *ast.Link:
		if entering {
			e.openEntity("text_link", string(n.Destination), "")
		} else {
			e.closeEntity()
		}

	case *ast.AutoLink:
		if entering {
			e.write(string(n.URL(e.source)))
			return ast.WalkSkipChildren, nil
		}

	case *ast.Image:
		// No inline images over entities; degrade to a link.
		if entering {
			e.openEntity("text_link", string(n.Destination), "")
		} else {
			e.closeEntity()
		}

	case *ast.FencedCodeBlock:
		if entering {
			e.blockGap()
			e.openEntity("pre", "", string(n.Language(e.source)))
			e.writeLines(node)
			e.closeEntity()
			e.write("\n")
			return ast.WalkSkipChildren, nil
		}

	case *ast.CodeBlock:
		if entering {
			e.blockGap()
			e.openEntity("pre", "", "")
			e.writeLines(node)
			e.closeEntity()
			e.write("\n")
			return ast.WalkSkipChildren, nil
		}

	case *ast.Blockquote:
		if entering {
			e.blockGap()
			e.openEntity("blockquote", "", "")
		} else {
			e.closeEntity()
		}

	case *ast.List:
		if entering {
			if n.IsOrdered() {
				e.listNum = n.Start
			} else {
				e.listNum = 0
			}
		}

	case *ast.ListItem:
		if entering {
			parent, _ := node.Parent().(*ast.List)
			if parent != nil && parent.IsOrdered() {
				e.write(fmt.Sprintf("%d. ", e.listNum))
				e.listNum++
			} else {
				e.write("• ")
			}
		} else {
			e.write("\n")
		}

	case *ast.TextBlock:
		if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
			e.write("\n")
		}

	case *ast.ThematicBreak:
		if entering {
			e.blockGap()
			e.write("—\n")
		}
	}
	return ast.WalkContinue, nil
}

func (e *entityEmitter) writeLines(node ast.Node) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		e.write(string(seg.Value(e.source)))
	}
}

// finish trims trailing whitespace and clamps entities that reached into
// the trimmed region.
func (e *entityEmitter) finish() (string, []bob.Entity) {
	out := strings.TrimRight(e.b.String(), "\n ")
	limit := utf16Len(out)
	ents := e.entities[:0]
	for _, ent := range e.entities {
		if ent.Offset >= limit {
			continue
		}
		if ent.Offset+ent.Length > limit {
			ent.Length = limit - ent.Offset
		}
		ents = append(ents, ent)
	}
	return out, ents
}

// utf16Len counts s in UTF-16 code units.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}
