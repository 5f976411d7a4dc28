package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eachlabs/modflow/internal/config"
	"github.com/eachlabs/modflow/internal/module"
	"github.com/eachlabs/modflow/internal/pipeline"
	"github.com/eachlabs/modflow/internal/provider"
	"github.com/eachlabs/modflow/internal/scrape"
	"github.com/eachlabs/modflow/internal/stream"
	"github.com/eachlabs/modflow/internal/transcript"
	"github.com/eachlabs/modflow/internal/tui"
)

var (
	runModules     string
	runURL         string
	runProvider    string
	runSimple      bool
	runMarkdown    bool
	runTimeout     time.Duration
	runMaxSessions int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run modules against a web page",
	Long: `Fetch a web page, fill {scrapedContent} in every module's messages and
stream an answer for every streaming module.

Examples:
  modflow run --url https://go.dev/blog/go1.22
  modflow run --modules ./modules.yaml --url https://example.com --simple
  modflow run --provider anthropic --markdown`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runModules, "modules", "m", "", "modules file or directory (default: pipeline.modules_file)")
	runCmd.Flags().StringVarP(&runURL, "url", "u", "", "content source URL (default: source.url)")
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "stream provider: websocket, anthropic, openai, openrouter, eachlabs")
	runCmd.Flags().BoolVar(&runSimple, "simple", false, "print progress lines instead of the live view")
	runCmd.Flags().BoolVar(&runMarkdown, "markdown", false, "render answers as markdown")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-session deadline (default: stream.timeout, none)")
	runCmd.Flags().IntVar(&runMaxSessions, "max-sessions", -1, "concurrent session cap, 0 for none (default: pipeline.max_sessions)")
}

func runRun(cmd *cobra.Command, args []string) error {
	path := runModules
	if path == "" {
		path = cfg.ModulesPath()
	}
	mods, err := module.Load(path)
	if err != nil {
		return err
	}

	if runProvider != "" {
		cfg.Stream.Provider = runProvider
	}
	source := runURL
	if source == "" {
		source = cfg.Source.URL
	}
	if cfg.Source.Require && (source == "" || !cfg.Credential()) {
		return pipeline.ErrMissingSource
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}

	timeout := cfg.Stream.Timeout.Duration
	if cmd.Flags().Changed("timeout") {
		timeout = runTimeout
	}
	maxSessions := cfg.Pipeline.MaxSessions
	if runMaxSessions >= 0 {
		maxSessions = runMaxSessions
	}

	opener := pipeline.DialOpener(dialer, cfg.Stream.Endpoint,
		stream.WithTimeout(timeout),
		stream.WithObserver(stream.LogObserver(logger)),
	)
	opts := []pipeline.Option{
		pipeline.WithFetcher(scrape.NewHTTPFetcher(scrape.FetcherConfig{
			UserAgent: cfg.Source.UserAgent,
			Timeout:   cfg.Source.Timeout.Duration,
			MaxBytes:  cfg.Source.MaxBytes,
			Logger:    logger,
		})),
		pipeline.RequireSource(cfg.Source.Require),
		pipeline.WithMaxSessions(maxSessions),
		pipeline.WithLogger(logger),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	renderer := tui.NewRenderer(runMarkdown, 100)
	out := cmd.OutOrStdout()

	if jsonOut || runSimple {
		printer := tui.NewPrinter(out, renderer)
		if !jsonOut {
			opts = append(opts, pipeline.WithObserver(printer.Observe))
		}
		states, err := pipeline.New(opener, opts...).Execute(ctx, mods, source)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeResults(out, states)
		}
		printer.Print(states)
		return failures(states)
	}

	title := "modflow"
	if source != "" {
		title += " · " + source
	}
	live := tui.NewLive(title, renderer, tea.WithAltScreen(), tea.WithContext(ctx))
	opts = append(opts, pipeline.WithObserver(live.Observe))

	type result struct {
		states []pipeline.ModuleState
		err    error
	}
	ui := make(chan result, 1)
	go func() {
		states, err := live.Run()
		ui <- result{states, err}
	}()

	run, err := pipeline.New(opener, opts...).Start(ctx, mods, source)
	if err != nil {
		// The view stays up with the error until the user quits.
		live.Fail(err)
		<-ui
		return err
	}
	go func() {
		select {
		case <-run.Done():
			live.Done()
		case <-ctx.Done():
		}
	}()

	r := <-ui
	_ = run.Close()
	if r.err != nil && ctx.Err() == nil {
		logger.Warn("live view failed", zap.Error(r.err))
	}

	states := run.Snapshot()
	tui.NewPrinter(out, renderer).Print(states)
	return failures(states)
}

func newDialer(c *config.Config) (stream.Dialer, error) {
	switch name := c.Stream.Provider; name {
	case "", "websocket":
		return stream.NewWebsocketDialer(c.Stream.APIToken), nil
	default:
		pc := c.Provider[name]
		return provider.NewDialer(name, provider.Config{
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Logger:    logger,
		})
	}
}

type moduleResult struct {
	ID       string                `json:"id"`
	Title    string                `json:"title"`
	Status   pipeline.Status       `json:"status"`
	Error    string                `json:"error,omitempty"`
	Messages transcript.Transcript `json:"messages"`
}

func writeResults(w io.Writer, states []pipeline.ModuleState) error {
	results := make([]moduleResult, len(states))
	for i, st := range states {
		results[i] = moduleResult{
			ID:       st.Module.ID,
			Title:    st.Module.Title,
			Status:   st.Status,
			Messages: st.Module.Messages,
		}
		if st.Err != nil {
			results[i].Error = st.Err.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	return failures(states)
}

func failures(states []pipeline.ModuleState) error {
	n := 0
	for _, st := range states {
		if st.Status == pipeline.StatusFailed {
			n++
		}
	}
	if n > 0 {
		return fmt.Errorf("%d of %d modules failed", n, len(states))
	}
	return nil
}
