package backend

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter calls the OpenAI Responses API.
type OpenAIAdapter struct {
	client       openai.Client
	model        string
	maxTokens    int64
	systemPrompt string
	sessionID    string
}

// NewOpenAIAdapter creates an API adapter. BaseURL allows OpenAI-compatible servers.
func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4.1"
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &OpenAIAdapter{
		client:       openai.NewClient(opts...),
		model:        model,
		maxTokens:    maxTokens,
		systemPrompt: cfg.SystemPrompt,
		sessionID:    uuid.NewString(),
	}, nil
}

// Send issues one Responses.New call and returns the aggregated output text.
func (a *OpenAIAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	input := make(responses.ResponseInputParam, 0, 2)
	system := msg.System
	if system == "" {
		system = a.systemPrompt
	}
	if system != "" {
		input = append(input, responses.ResponseInputItemParamOfMessage(system, responses.EasyInputMessageRoleSystem))
	}
	input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))

	result, err := a.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           shared.ResponsesModel(a.model),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: input},
		MaxOutputTokens: openai.Int(a.maxTokens),
	})
	if err != nil {
		return Response{Error: err.Error()}, fmt.Errorf("openai API call failed: %w", err)
	}

	return Response{Content: result.OutputText(), SessionID: a.sessionID}, nil
}

// Close is a no-op; the HTTP client is shared.
func (a *OpenAIAdapter) Close() error { return nil }

// SessionID returns the adapter's local correlation ID.
func (a *OpenAIAdapter) SessionID() string { return a.sessionID }
