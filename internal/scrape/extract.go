package scrape

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Rules controls text extraction.
type Rules struct {
	// Skip lists elements dropped together with their content.
	Skip []string
	// LeadingLineBreaks is the number of line breaks placed around block
	// elements.
	LeadingLineBreaks int
}

// DefaultRules drops images, links, headers and footers.
var DefaultRules = Rules{
	Skip:              []string{"img", "a", "footer", "header"},
	LeadingLineBreaks: 1,
}

// Extractor turns HTML into readable plain text.
type Extractor interface {
	Extract(html string) (string, error)
}

// HTMLExtractor extracts the text of a document body.
type HTMLExtractor struct {
	Rules Rules
}

// NewExtractor creates an extractor with DefaultRules.
func NewExtractor() *HTMLExtractor {
	return &HTMLExtractor{Rules: DefaultRules}
}

// never rendered as text
var invisible = map[string]bool{
	"head":     true,
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
	"iframe":   true,
}

var blocks = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true,
	"figcaption": true, "figure": true, "form": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true,
	"section": true, "table": true, "tr": true, "ul": true, "header": true,
	"footer": true,
}

// Extract implements Extractor.
func (e *HTMLExtractor) Extract(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	skip := make(map[string]bool, len(e.Rules.Skip))
	for _, tag := range e.Rules.Skip {
		skip[strings.ToLower(tag)] = true
	}
	breaks := e.Rules.LeadingLineBreaks
	if breaks <= 0 {
		breaks = 1
	}

	w := &textWriter{}
	var walk func(n *html.Node, pre bool)
	walk = func(n *html.Node, pre bool) {
		switch n.Type {
		case html.TextNode:
			if pre {
				w.raw(n.Data)
			} else {
				w.inline(n.Data)
			}
			return
		case html.ElementNode:
			if invisible[n.Data] || skip[n.Data] {
				return
			}
			switch {
			case n.Data == "br":
				w.lineBreak()
				return
			case n.Data == "td" || n.Data == "th":
				w.space = true
			case blocks[n.Data]:
				w.block(breaks)
				defer w.block(breaks)
			}
			if n.Data == "pre" {
				pre = true
			}
		case html.CommentNode, html.DoctypeNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, pre)
		}
	}
	walk(root, false)

	return w.String(), nil
}

// textWriter accumulates text, deferring separators until the next word so
// that leading and trailing whitespace never reaches the output.
type textWriter struct {
	sb     strings.Builder
	breaks int
	space  bool
}

func (w *textWriter) block(n int) {
	if n > w.breaks {
		w.breaks = n
	}
}

func (w *textWriter) lineBreak() {
	if w.sb.Len() == 0 {
		return
	}
	w.sb.WriteByte('\n')
	w.space = false
}

func (w *textWriter) inline(data string) {
	if data == "" {
		return
	}
	if unicode.IsSpace(rune(data[0])) {
		w.space = true
	}
	for i, field := range strings.Fields(data) {
		if i > 0 {
			w.space = true
		}
		w.emit(field)
	}
	if unicode.IsSpace(rune(data[len(data)-1])) {
		w.space = true
	}
}

func (w *textWriter) raw(data string) {
	if data == "" {
		return
	}
	w.emit(data)
}

func (w *textWriter) emit(s string) {
	if w.sb.Len() > 0 {
		switch {
		case w.breaks > 0:
			w.sb.WriteString(strings.Repeat("\n", w.breaks))
		case w.space && !strings.HasSuffix(w.sb.String(), "\n"):
			w.sb.WriteByte(' ')
		}
	}
	w.breaks = 0
	w.space = false
	w.sb.WriteString(s)
}

func (w *textWriter) String() string {
	lines := strings.Split(w.sb.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.Join(lines, "\n")
}
