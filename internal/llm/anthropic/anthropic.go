// Package anthropic adapts the Anthropic Messages API to llm.Provider.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/seantiz/concierge/internal/llm"
)

const defaultMaxTokens = 1024

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "claude-3-5-haiku-latest"

// Options configures the provider.
type Options struct {
	Model  string
	APIKey string
}

// Provider calls Claude models through the Anthropic SDK.
type Provider struct {
	client *anthropic.Client
	model  anthropic.Model
}

// New creates a provider. An empty APIKey lets the SDK read
// ANTHROPIC_API_KEY from the environment.
func New(opts Options) *Provider {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return NewFromClient(&client, opts.Model)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *anthropic.Client, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: anthropic.Model(model)}
}

// Name returns "anthropic".
func (p *Provider) Name() string {
	return "anthropic"
}

// Generate sends a single user turn with an optional system prompt.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       p.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return llm.Response{}, llm.ErrEmptyResponse
	}
	return llm.Response{
		Text:         text,
		FinishReason: string(resp.StopReason),
		Provider:     p.Name(),
	}, nil
}
