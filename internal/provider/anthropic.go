package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/eachlabs/modflow/internal/stream"
)

// Anthropic answers prompts with Claude models.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Dialer returns a stream.Dialer whose sessions are answered by a.
func (a *Anthropic) Dialer() stream.Dialer {
	return &stream.BridgeDialer{Produce: a.produce, Buffer: 16}
}

func (a *Anthropic) produce(ctx context.Context, prompt string, emit func([]byte) error) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(a.model)),
		MaxTokens: anthropic.F(int64(a.maxTokens)),
		Messages: anthropic.F([]anthropic.MessageParam{{
			Role: anthropic.F(anthropic.MessageParamRoleUser),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(prompt),
				},
			}),
		}}),
	}

	a.logger.Debug("anthropic stream", zap.String("model", a.model), zap.Int("prompt_chars", len(prompt)))
	s := a.client.Messages.NewStreaming(ctx, params)
	defer s.Close()

	w := newLineWriter(emit)
	for s.Next() {
		event := s.Current()
		if event.Type != anthropic.MessageStreamEventTypeContentBlockDelta {
			continue
		}
		if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok {
			if delta.Type == "text_delta" && delta.Text != "" {
				if err := w.Write(delta.Text); err != nil {
					return err
				}
			}
		}
	}
	if err := s.Err(); err != nil {
		a.logger.Warn("anthropic stream failed", zap.Error(err))
		return upstream(ctx, emit, err)
	}
	return w.Finish()
}
