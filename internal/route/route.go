package route

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeout applies to routes that do not set timeout_seconds.
const DefaultTimeout = 30 * time.Second

// ErrUnknownIntent is returned by Resolve when no route is registered for
// an intent.
var ErrUnknownIntent = errors.New("no route for intent")

//go:embed routes.yaml
var defaultRoutes []byte

// Route describes how tasks for one intent travel over the bus.
type Route struct {
	Intent          string `yaml:"-" json:"intent"`
	RequestTopic    string `yaml:"request_topic" json:"request_topic"`
	ResponseTopic   string `yaml:"response_topic" json:"response_topic"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	ProvisionalText string `yaml:"provisional_text" json:"provisional_text"`
}

// Timeout returns the route's result deadline.
func (r Route) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type file struct {
	Routes map[string]Route `yaml:"routes"`
}

// Registry maps intents to routes.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// NewRegistry creates an empty route registry.
func NewRegistry() *Registry {
	return &Registry{
		routes: make(map[string]Route),
	}
}

// Default returns a registry loaded with the built-in routing table.
func Default() *Registry {
	r, err := Parse(defaultRoutes)
	if err != nil {
		panic(fmt.Sprintf("route: embedded defaults: %v", err))
	}
	return r
}

// LoadFile reads a YAML routing table from path. An empty path yields the
// built-in defaults.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML routing table.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	r := NewRegistry()
	for intent, rt := range f.Routes {
		if rt.RequestTopic == "" || rt.ResponseTopic == "" {
			return nil, fmt.Errorf("route %q: request_topic and response_topic are required", intent)
		}
		if rt.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("route %q: negative timeout_seconds", intent)
		}
		r.Register(intent, rt)
	}
	return r, nil
}

// Register adds or replaces the route for intent.
func (r *Registry) Register(intent string, rt Route) {
	rt.Intent = intent
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[intent] = rt
}

// Resolve returns the route for intent.
func (r *Registry) Resolve(intent string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.routes[intent]
	if !ok {
		return Route{}, fmt.Errorf("%w %q", ErrUnknownIntent, intent)
	}
	return rt, nil
}

// Timeout returns the deadline for intent, or DefaultTimeout when the
// intent has no route.
func (r *Registry) Timeout(intent string) time.Duration {
	rt, err := r.Resolve(intent)
	if err != nil {
		return DefaultTimeout
	}
	return rt.Timeout()
}

// List returns all routes sorted by intent for a stable API response.
func (r *Registry) List() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Intent < out[j].Intent
	})
	return out
}

// ResponseTopics returns the distinct response topics, sorted.
func (r *Registry) ResponseTopics() []string {
	return r.distinct(func(rt Route) string { return rt.ResponseTopic })
}

// RequestTopics returns the distinct request topics, sorted.
func (r *Registry) RequestTopics() []string {
	return r.distinct(func(rt Route) string { return rt.RequestTopic })
}

// ResponseTopicFor returns the response topic paired with requestTopic.
func (r *Registry) ResponseTopicFor(requestTopic string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if rt.RequestTopic == requestTopic {
			return rt.ResponseTopic, true
		}
	}
	return "", false
}

func (r *Registry) distinct(field func(Route) string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, rt := range r.routes {
		v := field(rt)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
