package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/concierge/internal/bus"
	"github.com/seantiz/concierge/internal/intent"
	"github.com/seantiz/concierge/internal/live"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
	"github.com/seantiz/concierge/internal/route"
	"github.com/seantiz/concierge/internal/session"
	"github.com/seantiz/concierge/internal/store"
)

// DefaultConsumerGroup is the consumer group for result topics.
const DefaultConsumerGroup = "orchestrator-group"

// ErrEmptyMessage is returned for a chat request with no message text.
var ErrEmptyMessage = errors.New("message is required")

// Options wires an Engine.
type Options struct {
	Sessions   *session.Manager
	Classifier *intent.Classifier
	Routes     *route.Registry
	Prompts    *prompt.Set
	Bus        bus.Bus
	Hub        *live.Hub
	Answerer   *Answerer
	// Shared mirrors pending requests for replicated deployments. Optional.
	Shared        store.Store
	ConsumerGroup string
	SweepInterval time.Duration
	// DefaultLocale is used for requests without a locale. Empty means the
	// template set's default.
	DefaultLocale string
	Logger        *slog.Logger
}

// Engine orchestrates chat turns and their asynchronous results.
type Engine struct {
	sessions   *session.Manager
	classifier *intent.Classifier
	routes     *route.Registry
	prompts    *prompt.Set
	bus        bus.Bus
	hub        *live.Hub
	registry   *Registry
	dispatcher *Dispatcher
	listener   *Listener
	monitor    *Monitor
	group      string
	locale     string
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Call Start to begin consuming results.
func New(opts Options) *Engine {
	logger := opts.Logger
	group := opts.ConsumerGroup
	if group == "" {
		group = DefaultConsumerGroup
	}
	locale := opts.DefaultLocale
	if locale == "" {
		locale = opts.Prompts.DefaultLocale()
	}

	reg := NewRegistry(opts.Shared, logger)
	listener := NewListener(reg, opts.Sessions, opts.Hub, opts.Answerer, opts.Prompts, logger)
	return &Engine{
		sessions:   opts.Sessions,
		classifier: opts.Classifier,
		routes:     opts.Routes,
		prompts:    opts.Prompts,
		bus:        opts.Bus,
		hub:        opts.Hub,
		registry:   reg,
		dispatcher: NewDispatcher(opts.Routes, reg, opts.Bus, opts.Sessions, opts.Answerer, opts.Prompts, logger),
		listener:   listener,
		monitor:    NewMonitor(reg, listener, opts.Prompts, opts.SweepInterval, logger),
		group:      group,
		locale:     locale,
		logger:     logger.With("component", "engine"),
	}
}

// Registry returns the pending request registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Listener returns the result listener.
func (e *Engine) Listener() *Listener {
	return e.listener
}

// Monitor returns the timeout monitor.
func (e *Engine) Monitor() *Monitor {
	return e.monitor
}

// Start launches one consumer per result topic and the timeout monitor.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	for _, topic := range e.routes.ResponseTopics() {
		e.wg.Go(func() {
			if err := bus.Consume(ctx, e.bus, topic, e.group, e.listener.Handle, e.logger); err != nil {
				e.logger.Error("result consumer failed", "topic", topic, "error", err)
			}
		})
	}
	e.wg.Go(func() {
		e.monitor.Run(ctx)
	})
}

// Stop cancels consumers and the monitor and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// ProcessMessage runs one chat turn: it loads or creates the session, records
// the user message, classifies it and either answers directly or dispatches
// it to an agent. Errors are storage failures.
func (e *Engine) ProcessMessage(ctx context.Context, req model.ChatRequest) (model.Reply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return model.Reply{}, ErrEmptyMessage
	}
	locale := req.Locale
	if locale == "" {
		locale = e.locale
	}

	sess, created, err := e.ensureSession(ctx, req)
	if err != nil {
		return model.Reply{}, err
	}
	logger := e.logger.With("session_id", sess.ID, "user_id", req.UserID)

	sess, err = e.sessions.AppendMessage(ctx, sess.ID, model.RoleUser, req.Message, nil)
	if err != nil {
		return model.Reply{}, fmt.Errorf("append user message: %w", err)
	}

	res := e.classifier.Classify(ctx, req.Message, sess, locale)
	logger.Info("message classified", "intent", res.Intent, "source", string(res.Source))

	patch := session.Patch{CurrentIntent: &res.Intent}
	if !created && len(req.Context) > 0 {
		patch.MergeContext = req.Context
	}
	sess, err = e.sessions.Update(ctx, sess.ID, patch)
	if err != nil {
		return model.Reply{}, fmt.Errorf("update session intent: %w", err)
	}

	if res.Intent == model.IntentMedicalEmergency {
		return e.emergency(ctx, sess, logger, locale)
	}
	return e.dispatcher.Dispatch(ctx, sess, req.Message, res.Intent, locale)
}

func (e *Engine) ensureSession(ctx context.Context, req model.ChatRequest) (*model.Session, bool, error) {
	if req.SessionID != "" {
		sess, err := e.sessions.Get(ctx, req.SessionID)
		if err == nil {
			return sess, false, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, false, err
		}
		e.logger.Info("session not found, creating with requested id", "session_id", req.SessionID)
	}
	sess, err := e.sessions.Create(ctx, req.UserID, req.Context, req.SessionID)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// emergency answers a medical emergency without dispatching it.
func (e *Engine) emergency(ctx context.Context, sess *model.Session, logger *slog.Logger, locale string) (model.Reply, error) {
	logger.Error("medical emergency detected, escalating")
	reply := model.Reply{
		Response:             e.prompts.For(locale).Emergency,
		SessionID:            sess.ID,
		Intent:               model.IntentMedicalEmergency,
		RequiresHumanHandoff: true,
		SuggestedActions:     []string{model.ActionEmergencyEscalation, model.ActionCallEmergencyServices},
	}
	emergencies.Inc()
	return reply, e.dispatcher.record(ctx, reply)
}

// Stats is a snapshot of engine load.
type Stats struct {
	ActiveSessions  int `json:"active_sessions"`
	LiveConnections int `json:"live_connections"`
	PendingRequests int `json:"pending_requests"`
}

// Stats reports active sessions, live connections and pending requests.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	n, err := e.sessions.CountActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ActiveSessions:  n,
		LiveConnections: e.hub.Count(),
		PendingRequests: e.registry.Len(),
	}, nil
}
