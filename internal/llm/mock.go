package llm

import (
	"context"
	"sync"
)

// Mock is a scripted Provider for tests and offline runs. Replies are
// returned in order; once exhausted the last reply repeats. If Err is set it
// is returned instead.
type Mock struct {
	ID      string
	Replies []string
	Err     error

	mu    sync.Mutex
	calls []Request
}

// NewMock returns a mock named id answering with replies.
func NewMock(id string, replies ...string) *Mock {
	return &Mock{ID: id, Replies: replies}
}

// Name returns the mock's id.
func (m *Mock) Name() string {
	if m.ID == "" {
		return "mock"
	}
	return m.ID
}

// Generate records req and returns the next scripted reply.
func (m *Mock) Generate(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Replies) == 0 {
		return Response{}, ErrEmptyResponse
	}
	i := len(m.calls) - 1
	if i >= len(m.Replies) {
		i = len(m.Replies) - 1
	}
	return Response{Text: m.Replies[i], FinishReason: "stop", Provider: m.Name()}, nil
}

// Calls returns a copy of the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
