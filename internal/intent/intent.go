// Package intent classifies a user message into one of the orchestrator's
// intent categories: keyword rules first, then an LLM.
package intent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/seantiz/concierge/internal/llm"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
)

// Rule maps a set of keywords to an intent.
type Rule struct {
	Intent   string
	Keywords []string
}

// emergencyPhrases win over every other rule.
var emergencyPhrases = []string{
	"chest pain",
	"emergency",
	"can't breathe",
	"cannot breathe",
	"bleeding heavily",
	"unconscious",
}

// DefaultRules are checked in order; the first rule with a keyword found in
// the lowercased message wins.
var DefaultRules = []Rule{
	{model.IntentAppointmentBooking, []string{"book", "schedule", "appointment", "doctor", "clinic"}},
	{model.IntentAppointmentModify, []string{"reschedule", "cancel", "change", "move"}},
	{model.IntentGeneralInfo, []string{"what", "how", "when", "where", "info", "help"}},
	{model.IntentMedicalEmergency, []string{"emergency", "urgent", "pain", "bleeding", "chest"}},
	{model.IntentPreAdmission, []string{"admission", "surgery", "procedure", "preparation"}},
	{model.IntentPostDischarge, []string{"discharge", "recovery", "follow-up", "medication"}},
}

const (
	historyWindow  = 5
	classMaxTokens = 50
	classTemp      = 0.1
)

// Source records how a classification was reached.
type Source string

// Classification sources.
const (
	SourceRule     Source = "rule"
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceDefault  Source = "default"
)

// Result is the outcome of a classification.
type Result struct {
	Intent string
	Source Source
}

// Classifier assigns intents to messages.
type Classifier struct {
	rules     []Rule
	primary   llm.Provider
	secondary llm.Provider
	prompts   *prompt.Set
	logger    *slog.Logger
}

// New creates a classifier. Either provider may be nil.
func New(primary, secondary llm.Provider, prompts *prompt.Set, logger *slog.Logger) *Classifier {
	return &Classifier{
		rules:     DefaultRules,
		primary:   primary,
		secondary: secondary,
		prompts:   prompts,
		logger:    logger.With("component", "intent"),
	}
}

// Match applies the keyword rules only. It reports false when no rule
// matches.
func (c *Classifier) Match(message string) (string, bool) {
	lower := strings.ToLower(message)
	for _, p := range emergencyPhrases {
		if strings.Contains(lower, p) {
			return model.IntentMedicalEmergency, true
		}
	}
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Intent, true
			}
		}
	}
	return "", false
}

// Classify returns the intent for message. It never fails: when both
// providers fail or answer with an unknown label the result is general_info.
// sess may be nil.
func (c *Classifier) Classify(ctx context.Context, message string, sess *model.Session, locale string) Result {
	if intent, ok := c.Match(message); ok {
		intentClassifications.WithLabelValues(intent, string(SourceRule)).Inc()
		return Result{Intent: intent, Source: SourceRule}
	}

	res := c.classifyLLM(ctx, message, sess, locale)
	intentClassifications.WithLabelValues(res.Intent, string(res.Source)).Inc()
	return res
}

func (c *Classifier) classifyLLM(ctx context.Context, message string, sess *model.Session, locale string) Result {
	texts := c.prompts.For(locale)
	in := prompt.ClassifierInput{Message: message, Intents: model.Intents}
	if sess != nil {
		in.History = sess.Recent(historyWindow)
		in.Context = sess.Context
	}
	userPrompt, err := texts.ClassifierPrompt(in)
	if err != nil {
		c.logger.Error("render classifier prompt", "error", err)
		return Result{Intent: model.IntentGeneralInfo, Source: SourceDefault}
	}
	req := llm.Request{
		System:      texts.ClassifierSystem,
		Prompt:      userPrompt,
		MaxTokens:   classMaxTokens,
		Temperature: classTemp,
	}

	for _, step := range []struct {
		p   llm.Provider
		src Source
	}{{c.primary, SourcePrimary}, {c.secondary, SourceFallback}} {
		if step.p == nil {
			continue
		}
		resp, err := step.p.Generate(ctx, req)
		if err != nil {
			c.logger.Warn("llm classification failed",
				"provider", step.p.Name(),
				"error", err,
			)
			continue
		}
		label := normalize(resp.Text)
		if !model.IsIntent(label) {
			c.logger.Warn("llm returned unknown intent",
				"provider", step.p.Name(),
				"label", resp.Text,
			)
			return Result{Intent: model.IntentGeneralInfo, Source: SourceDefault}
		}
		return Result{Intent: label, Source: step.src}
	}

	c.logger.Warn("all classifiers failed, defaulting", "intent", model.IntentGeneralInfo)
	return Result{Intent: model.IntentGeneralInfo, Source: SourceDefault}
}

// normalize trims quotes, punctuation and case from an LLM label.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexAny(s, "\n "); i > 0 {
		s = s[:i]
	}
	return strings.Trim(s, "`'\".,:;!")
}
