package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/concierge/internal/bus"
	"github.com/seantiz/concierge/internal/live"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
	"github.com/seantiz/concierge/internal/session"
)

// Listener applies agent results to sessions.
type Listener struct {
	registry *Registry
	sessions *session.Manager
	hub      *live.Hub
	answerer *Answerer
	prompts  *prompt.Set
	logger   *slog.Logger
	now      func() time.Time
}

// NewListener creates a listener.
func NewListener(reg *Registry, sessions *session.Manager, hub *live.Hub, answerer *Answerer, prompts *prompt.Set, logger *slog.Logger) *Listener {
	return &Listener{
		registry: reg,
		sessions: sessions,
		hub:      hub,
		answerer: answerer,
		prompts:  prompts,
		logger:   logger.With("component", "listener"),
		now:      time.Now,
	}
}

// Handle is a bus.Handler for result topics. Malformed messages are logged
// and acknowledged. An error is returned only when the outcome could not be
// stored, so the bus redelivers the message.
func (l *Listener) Handle(ctx context.Context, msg bus.Message) error {
	var env model.ResultEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		l.logger.Error("discarding undecodable result", "topic", msg.Topic, "message_id", msg.ID, "error", err)
		results.WithLabelValues("malformed").Inc()
		return nil
	}
	if env.MessageType != model.MessageTypeTaskResponse || env.CorrelationID == "" {
		l.logger.Warn("discarding unexpected message",
			"topic", msg.Topic,
			"message_type", env.MessageType,
			"correlation_id", env.CorrelationID,
		)
		results.WithLabelValues("malformed").Inc()
		return nil
	}
	return l.HandleResult(ctx, env)
}

// HandleResult resolves env against the registry. It is safe to call more
// than once for the same envelope.
func (l *Listener) HandleResult(ctx context.Context, env model.ResultEnvelope) error {
	logger := l.logger.With("correlation_id", env.CorrelationID, "status", env.Status)

	if c, ok := l.registry.completion(env.CorrelationID); ok {
		logger.Info("re-applying unfinished result")
		return l.apply(ctx, env.CorrelationID, c)
	}

	p, ok, err := l.registry.Claim(ctx, env.CorrelationID)
	if err != nil {
		return err
	}
	if !ok {
		l.unsolicited(env, logger)
		return nil
	}

	logger = logger.With("session_id", p.SessionID, "intent", p.Intent)
	reply, state := l.finalReply(ctx, p, env, logger)
	p.Resolve(reply, state)
	resolutions.WithLabelValues(p.Intent, state).Inc()
	resolveLatency.WithLabelValues(p.Intent).Observe(l.now().Sub(p.CreatedAt).Seconds())
	logger.Info("pending request resolved", "state", state)

	c := &completion{
		reply:        reply,
		agentContext: env.Result.AgentContext,
		event:        model.EventFinalResponse,
		expires:      l.now().Add(completionRetention),
	}
	l.registry.remember(env.CorrelationID, c)
	return l.apply(ctx, env.CorrelationID, c)
}

// finalReply decides the payload for a claimed request.
func (l *Listener) finalReply(ctx context.Context, p *PendingRequest, env model.ResultEnvelope, logger *slog.Logger) (model.Reply, string) {
	texts := l.prompts.For(p.Locale)
	res := env.Result
	reply := model.Reply{
		Response:             res.Response,
		SessionID:            p.SessionID,
		Intent:               p.Intent,
		RequiresHumanHandoff: res.RequiresHumanHandoff,
		SuggestedActions:     res.SuggestedActions,
		CorrelationID:        p.CorrelationID,
	}
	if reply.SuggestedActions == nil {
		reply.SuggestedActions = []string{}
	}

	failed := env.Status == model.ResultError
	if p.Intent == model.IntentGeneralInfo && (failed || texts.IsNoInfo(res.Response)) {
		if failed {
			logger.Warn("agent failed, answering from general knowledge", "agent_error", res.Error)
		} else {
			logger.Info("agent found nothing, answering from general knowledge")
		}
		sess, err := l.sessions.Get(ctx, p.SessionID)
		if err != nil {
			logger.Warn("load session for fallback", "error", err)
			sess = nil
		}
		fb := l.answerer.Reply(ctx, p.Message, sess, p.Intent, p.Locale)
		fb.SessionID = p.SessionID
		fb.CorrelationID = p.CorrelationID
		return fb, model.PendingResolvedFallback
	}

	if failed {
		logger.Error("agent reported an error", "agent_error", res.Error)
		reply.Response = texts.AgentError
		reply.RequiresHumanHandoff = true
		if len(reply.SuggestedActions) == 0 {
			reply.SuggestedActions = []string{model.ActionContactSupport}
		}
	}
	return reply, model.PendingResolvedSuccess
}

// apply writes a completion to the session and pushes it live. The
// completion is forgotten only once the session write has succeeded.
func (l *Listener) apply(ctx context.Context, corrID string, c *completion) error {
	logger := l.logger.With("correlation_id", corrID, "session_id", c.reply.SessionID)

	_, err := l.sessions.CompleteMessage(ctx, c.reply.SessionID, corrID, c.reply.Response, map[string]any{
		model.MetaIntent: c.reply.Intent,
	})
	switch {
	case errors.Is(err, session.ErrNotFound):
		logger.Warn("session gone before result arrived")
	case err != nil:
		return fmt.Errorf("complete message %s: %w", corrID, err)
	}

	if err == nil && len(c.agentContext) > 0 {
		// Agent keys overwrite existing keys.
		if _, err := l.sessions.Update(ctx, c.reply.SessionID, session.Patch{MergeContext: c.agentContext}); err != nil && !errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("merge agent context %s: %w", corrID, err)
		}
	}
	l.registry.forget(corrID)

	if l.hub.Send(c.reply.SessionID, model.NewLiveEvent(c.event, c.reply, l.now())) {
		logger.Debug("result pushed", "event", c.event)
	} else {
		logger.Debug("no live connection, result stored only", "event", c.event)
	}
	return nil
}

// unsolicited handles a result with no pending entry: late, duplicate, or
// already timed out. Sessions are never modified.
func (l *Listener) unsolicited(env model.ResultEnvelope, logger *slog.Logger) {
	results.WithLabelValues("unsolicited").Inc()
	sessionID := env.Result.SessionID
	logger.Warn("no pending request for result", "session_id", sessionID)
	if sessionID == "" {
		return
	}

	response := env.Result.Response
	if response == "" {
		response = l.prompts.For("").Unsolicited
	}
	actions := env.Result.SuggestedActions
	if actions == nil {
		actions = []string{}
	}
	l.hub.Send(sessionID, model.NewLiveEvent(model.EventUnsolicitedUpdate, model.Reply{
		Response:             response,
		SessionID:            sessionID,
		Intent:               model.EventUnsolicitedUpdate,
		RequiresHumanHandoff: env.Result.RequiresHumanHandoff,
		SuggestedActions:     actions,
	}, l.now()))
}
