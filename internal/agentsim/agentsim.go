// Package agentsim provides a stand-in worker agent that answers every task
// with a canned result. It lets the orchestrator run end to end without the
// real agents.
package agentsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/concierge/internal/bus"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/route"
)

// DefaultGroup is the consumer group the agent joins on request topics.
const DefaultGroup = "echo-agent"

// Options configures an Agent.
type Options struct {
	Group string
	// Delay is applied before each reply.
	Delay time.Duration
	// Responses maps a task type to a fixed reply. Task types without an
	// entry get an echo of the message.
	Responses map[string]string
}

// Agent consumes task requests and publishes results.
type Agent struct {
	bus       bus.Bus
	routes    *route.Registry
	group     string
	delay     time.Duration
	responses map[string]string
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an agent serving every request topic in routes.
func New(b bus.Bus, routes *route.Registry, logger *slog.Logger, opts Options) *Agent {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	return &Agent{
		bus:       b,
		routes:    routes,
		group:     opts.Group,
		delay:     opts.Delay,
		responses: opts.Responses,
		logger:    logger.With("component", "agentsim"),
		now:       time.Now,
	}
}

// Run consumes all request topics until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	topics := a.routes.RequestTopics()
	errs := make(chan error, len(topics))

	var wg sync.WaitGroup
	for _, topic := range topics {
		wg.Go(func() {
			errs <- bus.Consume(ctx, a.bus, topic, a.group, a.Handle, a.logger)
		})
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Handle answers one task request on the response topic paired with its
// request topic.
func (a *Agent) Handle(ctx context.Context, msg bus.Message) error {
	var task model.TaskEnvelope
	if err := json.Unmarshal(msg.Payload, &task); err != nil || task.MessageType != model.MessageTypeTaskRequest {
		a.logger.Warn("ignoring non-task message", "topic", msg.Topic, "message_id", msg.ID)
		return nil
	}
	respTopic, ok := a.routes.ResponseTopicFor(msg.Topic)
	if !ok {
		a.logger.Warn("no response topic", "topic", msg.Topic)
		return nil
	}

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	env := model.NewResultEnvelope(task.CorrelationID, model.ResultSuccess, a.answer(task), a.now())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := a.bus.Publish(ctx, respTopic, task.CorrelationID, data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	a.logger.Info("task answered",
		"correlation_id", task.CorrelationID,
		"task_type", task.TaskType,
		"topic", respTopic,
	)
	return nil
}

func (a *Agent) answer(task model.TaskEnvelope) model.AgentResult {
	text, ok := a.responses[task.TaskType]
	if !ok {
		text = fmt.Sprintf("[%s] received: %s", task.TaskType, task.Payload.Message)
	}
	return model.AgentResult{
		Response:         text,
		SessionID:        task.Payload.SessionID,
		SuggestedActions: []string{},
		AgentContext: map[string]any{
			"handled_by":     a.group,
			"last_task_type": task.TaskType,
		},
	}
}
