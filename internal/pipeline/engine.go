// Package pipeline runs an ordered list of modules, filling their prompts
// from a content source and streaming answers into their transcripts.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eachlabs/modflow/internal/module"
	"github.com/eachlabs/modflow/internal/prompt"
	"github.com/eachlabs/modflow/internal/scrape"
	"github.com/eachlabs/modflow/internal/stream"
	"github.com/eachlabs/modflow/internal/transcript"
)

// Session is the part of a stream session the engine needs.
type Session interface {
	Close() error
}

// Opener opens a stream session for prompt, delivering events to h.
type Opener func(ctx context.Context, prompt string, h stream.Handler) (Session, error)

// DialOpener opens sessions with stream.Open against endpoint.
func DialOpener(d stream.Dialer, endpoint string, opts ...stream.Option) Opener {
	return func(ctx context.Context, prompt string, h stream.Handler) (Session, error) {
		s, err := stream.Open(ctx, d, endpoint, prompt, h, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Engine runs module pipelines. An Engine is stateless between runs and safe
// for concurrent use.
type Engine struct {
	opener        Opener
	fetcher       scrape.Fetcher
	extractor     scrape.Extractor
	header        http.Header
	requireSource bool
	maxSessions   int
	observer      func(Update)
	logger        *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFetcher sets the content-source fetcher.
func WithFetcher(f scrape.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithExtractor sets the HTML text extractor.
func WithExtractor(x scrape.Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithHeader adds headers to the content-source request.
func WithHeader(h http.Header) Option {
	return func(e *Engine) { e.header = h.Clone() }
}

// RequireSource makes a run without a content source fail up front.
func RequireSource(required bool) Option {
	return func(e *Engine) { e.requireSource = required }
}

// WithMaxSessions caps the number of concurrently open sessions. Zero means
// no limit.
func WithMaxSessions(n int) Option {
	return func(e *Engine) { e.maxSessions = n }
}

// WithObserver receives every module update. It is called outside the
// engine's locks and may call Run.Snapshot.
func WithObserver(fn func(Update)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine. opener may be nil when no module streams.
func New(opener Opener, opts ...Option) *Engine {
	e := &Engine{opener: opener}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		e.fetcher = scrape.NewHTTPFetcher(scrape.FetcherConfig{Logger: e.logger})
	}
	if e.extractor == nil {
		e.extractor = scrape.NewExtractor()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Execute starts a run, waits for every module to settle and returns the
// final module states. Sessions are closed before it returns.
func (e *Engine) Execute(ctx context.Context, mods []module.Module, source string) ([]ModuleState, error) {
	run, err := e.Start(ctx, mods, source)
	if err != nil {
		return nil, err
	}
	defer run.Close()
	return run.Wait(ctx)
}

// Start resolves the modules against source and opens a session for every
// streaming module. Setup failures, including a failed fetch, are returned
// as a *SetupError before any module executes. Module failures after that
// are attached to the module and never abort the run.
//
// Cancelling ctx closes the run.
func (e *Engine) Start(ctx context.Context, mods []module.Module, source string) (*Run, error) {
	if err := module.ValidateAll(mods); err != nil {
		return nil, &SetupError{Err: err}
	}
	if e.opener == nil {
		for _, m := range mods {
			if m.Streaming {
				return nil, &SetupError{Err: ErrNoOpener}
			}
		}
	}

	resolved, err := e.resolve(ctx, mods, source)
	if err != nil {
		return nil, err
	}

	run := newRun(ctx, e, resolved)
	e.logger.Info("pipeline started",
		zap.Int("modules", len(resolved)),
		zap.Int("streaming", run.streaming),
		zap.String("source", source))

	for _, s := range run.slots {
		e.notify(s.update(UpdateSeeded))
	}
	for _, s := range run.slots {
		if s.mod.Streaming {
			go run.startModule(s)
		}
	}
	return run, nil
}

// resolve fetches the content source and fills {scrapedContent} in every
// message of every module. The input modules are not modified.
func (e *Engine) resolve(ctx context.Context, mods []module.Module, source string) ([]module.Module, error) {
	out := make([]module.Module, len(mods))
	for i, m := range mods {
		out[i] = m.Clone()
	}

	if source == "" {
		if e.requireSource {
			return nil, &SetupError{Err: ErrMissingSource}
		}
		e.logMissing(out, nil)
		return out, nil
	}

	start := time.Now()
	page, err := e.fetcher.Fetch(ctx, source, e.header)
	if err != nil {
		e.logger.Warn("content source fetch failed", zap.String("url", source), zap.Error(err))
		return nil, &SetupError{Err: err}
	}
	text, err := e.extractor.Extract(page.Text)
	if err != nil {
		return nil, &SetupError{Err: fmt.Errorf("extract %s: %w", source, err)}
	}
	e.logger.Debug("content source resolved",
		zap.String("url", source),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(start)))

	subs := map[string]string{prompt.ScrapedContent: text}
	e.logMissing(out, subs)
	for i := range out {
		out[i].Messages = out[i].Messages.Map(func(content string) string {
			return prompt.Resolve(content, subs)
		})
	}
	return out, nil
}

// logMissing reports placeholders that will be sent unresolved.
func (e *Engine) logMissing(mods []module.Module, subs map[string]string) {
	for _, m := range mods {
		for _, msg := range m.Messages.Messages() {
			if missing := prompt.Missing(msg.Content, subs); len(missing) > 0 {
				e.logger.Debug("unresolved prompt tokens",
					zap.String("module", m.ID),
					zap.String("message", msg.ID),
					zap.Strings("tokens", missing))
			}
		}
	}
}

func (e *Engine) notify(u Update) {
	if e.observer != nil {
		e.observer(u)
	}
}

// completionMessages turns a completion text into one bot message per
// non-blank line. Whitespace-only lines are dropped too, not just empty
// ones, and a trailing \r is trimmed from each line.
func completionMessages(text string) []transcript.Message {
	var out []transcript.Message
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, transcript.Bot(line))
	}
	return out
}
