package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Chain tries providers in order and returns the first successful answer.
type Chain struct {
	providers []Provider
	logger    *slog.Logger
}

// NewChain builds a chain from providers, skipping nil entries.
func NewChain(logger *slog.Logger, providers ...Provider) *Chain {
	c := &Chain{logger: logger}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// Name lists the chain's providers in order.
func (c *Chain) Name() string {
	return "chain(" + strings.Join(c.Providers(), ",") + ")"
}

// Providers returns the provider names in order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Len returns the number of providers in the chain.
func (c *Chain) Len() int {
	return len(c.providers)
}

// Generate asks each provider in turn. It stops at the first success or when
// ctx is done, and otherwise returns all provider errors joined.
func (c *Chain) Generate(ctx context.Context, req Request) (Response, error) {
	if len(c.providers) == 0 {
		return Response{}, ErrNoProvider
	}

	var errs []error
	for i, p := range c.providers {
		start := time.Now()
		resp, err := p.Generate(ctx, req)
		llmRequestDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
		if err == nil && strings.TrimSpace(resp.Text) == "" {
			err = ErrEmptyResponse
		}
		if err == nil {
			llmRequestsTotal.WithLabelValues(p.Name(), "ok").Inc()
			if resp.Provider == "" {
				resp.Provider = p.Name()
			}
			return resp, nil
		}

		llmRequestsTotal.WithLabelValues(p.Name(), "error").Inc()
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		if i < len(c.providers)-1 {
			c.logger.Warn("llm provider failed, trying next",
				"provider", p.Name(),
				"next", c.providers[i+1].Name(),
				"error", err,
			)
		}
	}
	return Response{}, errors.Join(errs...)
}
