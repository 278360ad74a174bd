package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestChainFirstSuccessWins(t *testing.T) {
	primary := NewMock("primary", "hello")
	secondary := NewMock("secondary", "unused")
	c := NewChain(discardLogger(), primary, nil, secondary)

	resp, err := c.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "primary", resp.Provider)
	assert.Len(t, secondary.Calls(), 0)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "chain(primary,secondary)", c.Name())
}

func TestChainFallsBackOnError(t *testing.T) {
	primary := &Mock{ID: "primary", Err: errors.New("quota")}
	secondary := NewMock("secondary", "from secondary")
	c := NewChain(discardLogger(), primary, secondary)

	resp, err := c.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from secondary", resp.Text)
	assert.Len(t, primary.Calls(), 1)
	assert.Len(t, secondary.Calls(), 1)
}

func TestChainTreatsBlankAsFailure(t *testing.T) {
	c := NewChain(discardLogger(), NewMock("a", "   "), NewMock("b", "ok"))
	resp, err := c.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestChainAllFail(t *testing.T) {
	boom := errors.New("boom")
	c := NewChain(discardLogger(), &Mock{ID: "a", Err: boom}, &Mock{ID: "b", Err: boom})
	_, err := c.Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestChainEmpty(t *testing.T) {
	_, err := NewChain(discardLogger()).Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestMockRepeatsLastReply(t *testing.T) {
	m := NewMock("m", "one", "two")
	ctx := context.Background()
	for _, want := range []string{"one", "two", "two"} {
		resp, err := m.Generate(ctx, Request{})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Text)
	}
	assert.Len(t, m.Calls(), 3)
}

func TestRateLimitedWaitsForToken(t *testing.T) {
	m := NewMock("m", "ok")
	p := RateLimited(m, 1)

	ctx := context.Background()
	_, err := p.Generate(ctx, Request{})
	require.NoError(t, err)

	// The single burst token is spent; the next one is a minute away.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Generate(short, Request{})
	require.Error(t, err)
	assert.Len(t, m.Calls(), 1)
	assert.Equal(t, "m", p.Name())
}

func TestRateLimitedDisabled(t *testing.T) {
	m := NewMock("m", "ok")
	assert.Same(t, Provider(m), RateLimited(m, 0))
}
