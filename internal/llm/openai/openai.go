// Package openai adapts the OpenAI chat completions API to llm.Provider.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/seantiz/concierge/internal/llm"
)

const defaultMaxTokens = 1024

// Options configures the provider.
type Options struct {
	Model  string
	APIKey string
}

// Provider calls OpenAI chat models.
type Provider struct {
	client *openai.Client
	model  string
}

// New creates a provider. An empty APIKey lets the SDK read OPENAI_API_KEY
// from the environment.
func New(opts Options) *Provider {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return NewFromClient(&client, opts.Model)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *openai.Client, model string) *Provider {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &Provider{client: client, model: model}
}

// Name returns "openai".
func (p *Provider) Name() string {
	return "openai"
}

// Generate sends a system and user message and returns the first choice.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               p.model,
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("openai: no choices returned")
	}
	ch0 := resp.Choices[0]
	text := strings.TrimSpace(ch0.Message.Content)
	if text == "" {
		return llm.Response{}, llm.ErrEmptyResponse
	}
	return llm.Response{
		Text:         text,
		FinishReason: ch0.FinishReason,
		Provider:     p.Name(),
	}, nil
}
