// Package llm defines the text-generation contract the orchestrator relies
// on, plus provider-independent wrappers: an ordered fallback chain, a rate
// limiter and a scripted mock.
package llm

import (
	"context"
	"errors"
)

// ErrNoProvider is returned when a chain has no providers to try.
var ErrNoProvider = errors.New("no llm provider configured")

// ErrEmptyResponse is returned by providers that answer with no text.
var ErrEmptyResponse = errors.New("empty llm response")

// Request is a single-turn generation request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Response is the generated text.
type Response struct {
	Text         string
	FinishReason string
	Provider     string
}

// Provider generates text from a prompt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}
