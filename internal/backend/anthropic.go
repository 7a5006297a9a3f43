package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// AnthropicAdapter calls the Anthropic Messages API directly.
type AnthropicAdapter struct {
	client       anthropic.Client
	model        anthropic.Model
	maxTokens    int64
	systemPrompt string
	sessionID    string
}

// NewAnthropicAdapter creates an API adapter. An empty APIKey falls back to
// the SDK's ANTHROPIC_API_KEY lookup.
func NewAnthropicAdapter(cfg Config) (*AnthropicAdapter, error) {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &AnthropicAdapter{
		client:       anthropic.NewClient(opts...),
		model:        model,
		maxTokens:    maxTokens,
		systemPrompt: cfg.SystemPrompt,
		sessionID:    uuid.NewString(),
	}, nil
}

// Send issues one Messages.New call and concatenates the text blocks.
func (a *AnthropicAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)),
		},
	}
	system := msg.System
	if system == "" {
		system = a.systemPrompt
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{Error: err.Error()}, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}

	return Response{Content: out.String(), SessionID: a.sessionID}, nil
}

// Close is a no-op; the HTTP client is shared.
func (a *AnthropicAdapter) Close() error { return nil }

// SessionID returns the adapter's local correlation ID.
func (a *AnthropicAdapter) SessionID() string { return a.sessionID }
