package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
)

// DefaultSweepInterval is how often the monitor scans for expired requests.
const DefaultSweepInterval = 5 * time.Second

// Monitor times out pending requests no agent answered.
type Monitor struct {
	registry *Registry
	listener *Listener
	prompts  *prompt.Set
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a monitor that sweeps every interval. Timed-out
// requests are written and pushed through listener.
func NewMonitor(reg *Registry, listener *Listener, prompts *prompt.Set, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Monitor{
		registry: reg,
		listener: listener,
		prompts:  prompts,
		interval: interval,
		logger:   logger.With("component", "monitor"),
	}
}

// Run sweeps on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("timeout monitor started", "interval", m.interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("timeout monitor stopped")
			return
		case now := <-ticker.C:
			m.Sweep(ctx, now)
		}
	}
}

// Sweep times out every request older than its timeout at now and returns
// how many it resolved. Timeouts whose session write failed on an earlier
// sweep are retried first.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) int {
	for id, c := range m.registry.completionsFor(model.EventTimeout) {
		if err := m.listener.apply(ctx, id, c); err != nil {
			m.logger.Error("retry timeout write", "correlation_id", id, "error", err)
		}
	}
	if n := m.registry.pruneCompletions(now); n > 0 {
		m.logger.Warn("dropped unapplied completions", "count", n)
	}

	timedOut := 0
	for _, id := range m.registry.Expired(now) {
		p, ok, err := m.registry.Claim(ctx, id)
		if err != nil {
			m.logger.Error("claim expired request", "correlation_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}

		texts := m.prompts.For(p.Locale)
		reply := model.Reply{
			Response:             texts.Timeout,
			SessionID:            p.SessionID,
			Intent:               p.Intent,
			RequiresHumanHandoff: true,
			SuggestedActions:     []string{model.ActionRetry},
			CorrelationID:        p.CorrelationID,
		}
		if !p.Resolve(reply, model.PendingTimedOut) {
			continue
		}
		timedOut++
		resolutions.WithLabelValues(p.Intent, model.PendingTimedOut).Inc()
		m.logger.Warn("pending request timed out",
			"correlation_id", id,
			"session_id", p.SessionID,
			"intent", p.Intent,
			"age", now.Sub(p.CreatedAt).String(),
		)

		c := &completion{
			reply:   reply,
			event:   model.EventTimeout,
			expires: now.Add(completionRetention),
		}
		m.registry.remember(id, c)
		if err := m.listener.apply(ctx, id, c); err != nil {
			m.logger.Error("write timeout", "correlation_id", id, "error", err)
		}
	}
	return timedOut
}
