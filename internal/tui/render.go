package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/eachlabs/modflow/internal/pipeline"
	"github.com/eachlabs/modflow/internal/transcript"
)

// Renderer formats module states as styled text.
type Renderer struct {
	md *glamour.TermRenderer
}

// NewRenderer creates a Renderer. With markdown set, bot messages are
// rendered as markdown wrapped at width.
func NewRenderer(markdown bool, width int) *Renderer {
	r := &Renderer{}
	if markdown {
		if width <= 0 {
			width = 80
		}
		// On failure fall back to plain text.
		r.md, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
	}
	return r
}

// Module renders one module with its transcript and status.
func (r *Renderer) Module(st pipeline.ModuleState) string {
	var b strings.Builder

	title := st.Module.Title
	if st.Module.Icon != "" {
		title = st.Module.Icon + " " + title
	}
	b.WriteString(moduleTitleStyle.Render(title) + " " + badge(st.Status) + "\n")
	if st.Module.Description != "" {
		b.WriteString(descriptionStyle.Render(st.Module.Description) + "\n")
	}

	for _, msg := range st.Module.Messages.Messages() {
		b.WriteString("\n")
		switch msg.Role {
		case transcript.RoleUser:
			b.WriteString(userLabelStyle.Render("prompt") + "\n")
			b.WriteString(contentStyle.Render(msg.Content) + "\n")
		default:
			b.WriteString(botLabelStyle.Render(st.Module.ID) + "\n")
			b.WriteString(r.content(msg.Content) + "\n")
		}
	}

	if st.Err != nil {
		b.WriteString("\n" + errorStyle.Render("Error: "+st.Err.Error()) + "\n")
	}
	return b.String()
}

// Run renders every module, separated by blank lines.
func (r *Renderer) Run(states []pipeline.ModuleState) string {
	parts := make([]string, len(states))
	for i, st := range states {
		parts[i] = r.Module(st)
	}
	return strings.Join(parts, "\n")
}

func (r *Renderer) content(s string) string {
	if r.md != nil {
		if out, err := r.md.Render(s); err == nil {
			return strings.TrimRight(out, "\n")
		}
	}
	return contentStyle.Render(s)
}

func badge(s pipeline.Status) string {
	style, ok := badgeStyles[string(s)]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// Printer writes a run to a plain writer: one status line per module
// transition while the run is live, then every transcript at the end.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	renderer *Renderer
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, r *Renderer) *Printer {
	if r == nil {
		r = NewRenderer(false, 0)
	}
	return &Printer{w: w, renderer: r}
}

// Observe can be passed to pipeline.WithObserver.
func (p *Printer) Observe(u pipeline.Update) {
	var line string
	switch u.Kind {
	case pipeline.UpdateStreaming:
		line = fmt.Sprintf("%s %s", badge(pipeline.StatusStreaming), u.State.Module.ID)
	case pipeline.UpdateCompleted:
		line = fmt.Sprintf("%s %s (%d messages)", badge(pipeline.StatusSettled), u.State.Module.ID, u.State.Module.Messages.Len())
	case pipeline.UpdateFailed:
		line = fmt.Sprintf("%s %s: %v", badge(pipeline.StatusFailed), u.State.Module.ID, u.State.Err)
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// Print writes the final transcripts.
func (p *Printer) Print(states []pipeline.ModuleState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.renderer.Run(states))
}
