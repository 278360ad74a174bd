package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/concierge/internal/llm"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
)

const (
	answerMaxTokens   = 1000
	answerTemperature = 0.7
	answerHistory     = 5
)

// Answerer produces general-knowledge answers directly from the LLM chain.
// It serves intents with no agent route and general_info results the agent
// could not answer.
type Answerer struct {
	llm     llm.Provider
	prompts *prompt.Set
	logger  *slog.Logger
}

// NewAnswerer creates an Answerer. provider may be nil, in which case every
// answer fails with llm.ErrNoProvider.
func NewAnswerer(provider llm.Provider, prompts *prompt.Set, logger *slog.Logger) *Answerer {
	return &Answerer{
		llm:     provider,
		prompts: prompts,
		logger:  logger.With("component", "answerer"),
	}
}

// Answer asks the LLM to respond to message in the light of the session's
// recent history and context. sess may be nil.
func (a *Answerer) Answer(ctx context.Context, message string, sess *model.Session, locale string) (string, error) {
	if a.llm == nil {
		return "", llm.ErrNoProvider
	}
	texts := a.prompts.For(locale)
	in := prompt.FallbackInput{Message: message}
	if sess != nil {
		in.History = sess.Recent(answerHistory)
		in.Context = sess.Context
	}
	userPrompt, err := texts.FallbackPrompt(in)
	if err != nil {
		return "", err
	}
	resp, err := a.llm.Generate(ctx, llm.Request{
		System:      texts.FallbackSystem,
		Prompt:      userPrompt,
		MaxTokens:   answerMaxTokens,
		Temperature: answerTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("general answer: %w", err)
	}
	return resp.Text, nil
}

// Reply answers message and shapes the result as a synchronous reply. An
// LLM failure yields the locale's fallback error text.
func (a *Answerer) Reply(ctx context.Context, message string, sess *model.Session, intent, locale string) model.Reply {
	reply := model.Reply{
		Intent:           intent,
		SuggestedActions: []string{},
	}
	if sess != nil {
		reply.SessionID = sess.ID
	}
	text, err := a.Answer(ctx, message, sess, locale)
	if err != nil {
		a.logger.Error("general answer failed",
			"session_id", reply.SessionID,
			"intent", intent,
			"error", err,
		)
		reply.Response = a.prompts.For(locale).FallbackError
		reply.SuggestedActions = []string{model.ActionTryAgainLater}
		return reply
	}
	reply.Response = text
	return reply
}
