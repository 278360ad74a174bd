package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/concierge/internal/bus"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
	"github.com/seantiz/concierge/internal/route"
	"github.com/seantiz/concierge/internal/session"
)

// taskHistory is the number of trailing history entries sent to agents.
const taskHistory = 3

// Dispatcher publishes tasks for routed intents and tracks them in the
// registry until they resolve.
type Dispatcher struct {
	routes   *route.Registry
	registry *Registry
	bus      bus.Bus
	sessions *session.Manager
	answerer *Answerer
	prompts  *prompt.Set
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(routes *route.Registry, reg *Registry, b bus.Bus, sessions *session.Manager, answerer *Answerer, prompts *prompt.Set, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		routes:   routes,
		registry: reg,
		bus:      b,
		sessions: sessions,
		answerer: answerer,
		prompts:  prompts,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
	}
}

// Dispatch sends message to the agent serving intent and returns the
// provisional reply. The placeholder assistant message is appended to the
// session before the task is published.
//
// An intent with no route is answered synchronously by the LLM and leaves no
// pending entry. A publish failure is reported in the reply, not as an
// error; errors are storage failures only. Every reply is recorded in the
// session history.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *model.Session, message, intent, locale string) (model.Reply, error) {
	texts := d.prompts.For(locale)

	rt, err := d.routes.Resolve(intent)
	if errors.Is(err, route.ErrUnknownIntent) {
		d.logger.Info("no agent route, answering directly", "session_id", sess.ID, "intent", intent)
		dispatches.WithLabelValues(intent, "direct").Inc()
		reply := d.answerer.Reply(ctx, message, sess, intent, locale)
		return reply, d.record(ctx, reply)
	}
	if err != nil {
		return model.Reply{}, err
	}

	corrID := model.NewCorrelationID()
	now := d.now().UTC()
	provisional := texts.ProvisionalFor(intent, rt.ProvisionalText)
	p := newPendingRequest(corrID, sess.ID, intent, message, locale, now, rt.Timeout())

	logger := d.logger.With("session_id", sess.ID, "correlation_id", corrID, "intent", intent)

	if err := d.registry.Register(ctx, p); err != nil {
		logger.Error("register pending request", "error", err)
		dispatches.WithLabelValues(intent, "failed").Inc()
		reply := d.failureReply(sess.ID, intent, texts)
		return reply, d.record(ctx, reply)
	}

	if _, err := d.sessions.AppendMessage(ctx, sess.ID, model.RoleAssistant, provisional, map[string]any{
		model.MetaCorrelationID: corrID,
		model.MetaStatus:        model.StatusPending,
		model.MetaIntent:        intent,
	}); err != nil {
		_, _, _ = d.registry.Claim(ctx, corrID)
		return model.Reply{}, fmt.Errorf("append placeholder: %w", err)
	}

	payload := model.TaskPayload{
		Message:             message,
		SessionID:           sess.ID,
		UserContext:         sess.ContextCopy(),
		ConversationHistory: sess.Recent(taskHistory),
		CorrelationID:       corrID,
	}
	data, err := json.Marshal(model.NewTaskEnvelope(corrID, intent, payload, now))
	if err == nil {
		err = d.bus.Publish(ctx, rt.RequestTopic, corrID, data)
	}
	if err != nil {
		logger.Error("publish task failed", "topic", rt.RequestTopic, "error", err)
		if _, _, cerr := d.registry.Claim(ctx, corrID); cerr != nil {
			logger.Error("deregister pending request", "error", cerr)
		}
		if _, rerr := d.sessions.ReplaceMessageByCorrelation(ctx, sess.ID, corrID, texts.PublishFailure); rerr != nil {
			logger.Error("replace placeholder after publish failure", "error", rerr)
		}
		dispatches.WithLabelValues(intent, "failed").Inc()
		return d.failureReply(sess.ID, intent, texts), nil
	}

	logger.Info("task dispatched", "topic", rt.RequestTopic, "timeout", rt.Timeout().String())
	dispatches.WithLabelValues(intent, "published").Inc()

	return model.Reply{
		Response:             provisional,
		SessionID:            sess.ID,
		Intent:               intent,
		RequiresHumanHandoff: false,
		SuggestedActions:     []string{model.ActionWaitForAgent},
		CorrelationID:        corrID,
	}, nil
}

func (d *Dispatcher) failureReply(sessionID, intent string, texts *prompt.Locale) model.Reply {
	return model.Reply{
		Response:             texts.PublishFailure,
		SessionID:            sessionID,
		Intent:               intent,
		RequiresHumanHandoff: true,
		SuggestedActions:     []string{model.ActionContactSupport},
	}
}

// record appends reply to the session as a completed assistant message.
func (d *Dispatcher) record(ctx context.Context, reply model.Reply) error {
	_, err := d.sessions.AppendMessage(ctx, reply.SessionID, model.RoleAssistant, reply.Response, map[string]any{
		model.MetaStatus: model.StatusCompleted,
		model.MetaIntent: reply.Intent,
	})
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}
