package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/store"
)

const (
	pendingKeyPrefix = "pending:"
	// sharedGrace keeps a mirrored entry alive a little past its timeout so
	// the dispatching replica's monitor claims it before the store drops it.
	sharedGrace = 30 * time.Second
	// completionRetention bounds how long an unapplied completion is kept
	// for redelivery.
	completionRetention = 10 * time.Minute
)

// ErrAlreadyRegistered is returned when a correlation id is reused.
var ErrAlreadyRegistered = errors.New("correlation id already registered")

// PendingRequest is a dispatched task awaiting its result.
type PendingRequest struct {
	CorrelationID string        `json:"correlation_id"`
	SessionID     string        `json:"session_id"`
	Intent        string        `json:"intent"`
	Message       string        `json:"message"`
	Locale        string        `json:"locale,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	Timeout       time.Duration `json:"timeout"`

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	state  string
	result model.Reply
}

func newPendingRequest(corrID, sessionID, intent, message, locale string, createdAt time.Time, timeout time.Duration) *PendingRequest {
	return &PendingRequest{
		CorrelationID: corrID,
		SessionID:     sessionID,
		Intent:        intent,
		Message:       message,
		Locale:        locale,
		CreatedAt:     createdAt,
		Timeout:       timeout,
		done:          make(chan struct{}),
		state:         model.PendingDispatched,
	}
}

// Expired reports whether the request is older than its timeout at now.
func (p *PendingRequest) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > p.Timeout
}

// Resolve completes the request with reply and the terminal state. Only the
// first call has an effect; it reports whether this call resolved it.
func (p *PendingRequest) Resolve(reply model.Reply, state string) bool {
	resolved := false
	p.once.Do(func() {
		p.mu.Lock()
		if !model.ValidTransition(p.state, state) {
			p.mu.Unlock()
			return
		}
		p.state = state
		p.result = reply
		p.mu.Unlock()
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the request is resolved.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// State returns the current state.
func (p *PendingRequest) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the resolved reply and state.
func (p *PendingRequest) Result() (model.Reply, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.state
}

// Wait blocks until the request is resolved or ctx is done.
func (p *PendingRequest) Wait(ctx context.Context) (model.Reply, error) {
	select {
	case <-p.done:
		reply, _ := p.Result()
		return reply, nil
	case <-ctx.Done():
		return model.Reply{}, ctx.Err()
	}
}

// completion is the outcome of a claimed request, kept until the session
// mutation for it has been applied so a redelivered result can finish the
// job with the same content.
type completion struct {
	reply        model.Reply
	agentContext map[string]any
	event        string
	expires      time.Time
}

// Registry tracks pending requests by correlation id. It is owned by the
// engine and safe for concurrent use.
//
// With a shared store every entry is mirrored under pending:{id} and claims
// go through Store.Take, so across replicas at most one claim succeeds.
type Registry struct {
	mu          sync.Mutex
	pending     map[string]*PendingRequest
	completions map[string]*completion
	shared      store.Store
	now         func() time.Time
	logger      *slog.Logger
}

// NewRegistry creates a registry. shared may be nil.
func NewRegistry(shared store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		pending:     make(map[string]*PendingRequest),
		completions: make(map[string]*completion),
		shared:      shared,
		now:         time.Now,
		logger:      logger.With("component", "registry"),
	}
}

// Register adds p to the registry.
func (r *Registry) Register(ctx context.Context, p *PendingRequest) error {
	r.mu.Lock()
	if _, ok := r.pending[p.CorrelationID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.pending[p.CorrelationID] = p
	n := len(r.pending)
	r.mu.Unlock()
	pendingRequests.Set(float64(n))

	if r.shared == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		r.drop(p.CorrelationID)
		return fmt.Errorf("encode pending %s: %w", p.CorrelationID, err)
	}
	if err := r.shared.Set(ctx, pendingKeyPrefix+p.CorrelationID, data, p.Timeout+sharedGrace); err != nil {
		r.drop(p.CorrelationID)
		return fmt.Errorf("mirror pending %s: %w", p.CorrelationID, err)
	}
	return nil
}

func (r *Registry) drop(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	n := len(r.pending)
	r.mu.Unlock()
	pendingRequests.Set(float64(n))
}

// Claim removes and returns the pending request for id. Of concurrent
// claims for the same id at most one succeeds. A request dispatched by
// another replica is rebuilt from the shared store.
//
// A local entry whose mirror is gone was either claimed by another replica
// or outlived the mirror's TTL. Only the second case is returned, so the
// caller can still resolve it.
func (r *Registry) Claim(ctx context.Context, id string) (*PendingRequest, bool, error) {
	r.mu.Lock()
	p, local := r.pending[id]
	delete(r.pending, id)
	n := len(r.pending)
	r.mu.Unlock()
	pendingRequests.Set(float64(n))

	if r.shared == nil {
		return p, local, nil
	}

	data, err := r.shared.Take(ctx, pendingKeyPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		if local && !r.now().Before(p.CreatedAt.Add(p.Timeout+sharedGrace)) {
			r.logger.Warn("shared pending entry expired before it was claimed",
				"correlation_id", id,
				"session_id", p.SessionID,
				"age", r.now().Sub(p.CreatedAt),
			)
			return p, true, nil
		}
		if local {
			r.logger.Debug("pending request claimed by another replica", "correlation_id", id)
		}
		return nil, false, nil
	}
	if err != nil {
		if local {
			r.mu.Lock()
			r.pending[id] = p
			r.mu.Unlock()
		}
		return nil, false, fmt.Errorf("claim pending %s: %w", id, err)
	}
	if local {
		return p, true, nil
	}

	var rec PendingRequest
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode pending %s: %w", id, err)
	}
	r.logger.Debug("claimed pending request from another replica", "correlation_id", id)
	return newPendingRequest(rec.CorrelationID, rec.SessionID, rec.Intent, rec.Message, rec.Locale, rec.CreatedAt, rec.Timeout), true, nil
}

// Get returns the pending request for id without claiming it.
func (r *Registry) Get(id string) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	return p, ok
}

// Expired returns the ids of local entries older than their timeout at now,
// oldest first.
func (r *Registry) Expired(now time.Time) []string {
	r.mu.Lock()
	var due []*PendingRequest
	for _, p := range r.pending {
		if p.Expired(now) {
			due = append(due, p)
		}
	}
	r.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	ids := make([]string, len(due))
	for i, p := range due {
		ids[i] = p.CorrelationID
	}
	return ids
}

// Len returns the number of local pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) remember(id string, c *completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions[id] = c
}

func (r *Registry) completion(id string) (*completion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.completions[id]
	return c, ok
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.completions, id)
}

// pruneCompletions drops unapplied completions past their retention.
func (r *Registry) pruneCompletions(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, c := range r.completions {
		if now.After(c.expires) {
			delete(r.completions, id)
			n++
		}
	}
	return n
}

// completionsFor returns the unapplied completions of the given event type.
func (r *Registry) completionsFor(event string) map[string]*completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*completion)
	for id, c := range r.completions {
		if c.event == event {
			out[id] = c
		}
	}
	return out
}
