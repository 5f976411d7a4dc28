// Package provider adapts LLM SDK streams to the stream frame protocol, so a
// module can be answered by a hosted model instead of a websocket feed.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eachlabs/modflow/internal/stream"
)

// Config holds the credentials and model for one provider.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Logger    *zap.Logger
}

const defaultMaxTokens = 4096

// OpenAI-compatible routers, selectable by name.
var compatible = map[string]string{
	"openai":     "",
	"openrouter": "https://openrouter.ai/api/v1",
	"eachlabs":   "https://api.eachlabs.ai/v1",
}

// Names lists the providers NewDialer accepts.
func Names() []string {
	names := []string{"anthropic"}
	for name := range compatible {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDialer returns a stream.Dialer backed by the named provider.
func NewDialer(name string, cfg Config) (stream.Dialer, error) {
	switch name {
	case "anthropic":
		a, err := NewAnthropic(cfg)
		if err != nil {
			return nil, err
		}
		return a.Dialer(), nil
	}

	baseURL, ok := compatible[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	o, err := NewOpenAI(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return o.Dialer(), nil
}

// lineWriter turns text deltas into frames. Each finished non-blank line is
// emitted as its own message once a later line starts; the last line is
// held back for the terminal frame, which the pipeline splices over the
// provisional tail message.
type lineWriter struct {
	emit func([]byte) error
	buf  strings.Builder
	held string
	has  bool
}

func newLineWriter(emit func([]byte) error) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(delta string) error {
	w.buf.WriteString(delta)
	text := w.buf.String()
	i := strings.LastIndexByte(text, '\n')
	if i < 0 {
		return nil
	}
	w.buf.Reset()
	w.buf.WriteString(text[i+1:])

	for _, line := range strings.Split(text[:i], "\n") {
		if err := w.push(line); err != nil {
			return err
		}
	}
	return nil
}

func (w *lineWriter) push(line string) error {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if w.has {
		if err := w.emit(stream.MessageFrame(w.held)); err != nil {
			return err
		}
	}
	w.held, w.has = line, true
	return nil
}

// Finish flushes the partial line and sends the terminal frame.
func (w *lineWriter) Finish() error {
	if err := w.push(w.buf.String()); err != nil {
		return err
	}
	w.buf.Reset()
	return w.emit(stream.FinalFrame(w.held, w.held))
}

// upstream reports a provider failure in-band. A cancelled context means the
// session was closed and is returned as is.
func upstream(ctx context.Context, emit func([]byte) error, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return emit(stream.ErrorFrame(err.Error()))
}
