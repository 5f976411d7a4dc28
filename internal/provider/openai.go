package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/eachlabs/modflow/internal/stream"
)

// OpenAI answers prompts through the chat completions API or any router
// that speaks it.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAI{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Dialer returns a stream.Dialer whose sessions are answered by o.
func (o *OpenAI) Dialer() stream.Dialer {
	return &stream.BridgeDialer{Produce: o.produce, Buffer: 16}
}

func (o *OpenAI) produce(ctx context.Context, prompt string, emit func([]byte) error) error {
	params := openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	params.MaxTokens = openai.Int(int64(o.maxTokens))

	o.logger.Debug("openai stream", zap.String("model", o.model), zap.Int("prompt_chars", len(prompt)))
	s := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()

	w := newLineWriter(emit)
	for s.Next() {
		chunk := s.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			if err := w.Write(text); err != nil {
				return err
			}
		}
	}
	if err := s.Err(); err != nil {
		o.logger.Warn("openai stream failed", zap.Error(err))
		return upstream(ctx, emit, err)
	}
	return w.Finish()
}
