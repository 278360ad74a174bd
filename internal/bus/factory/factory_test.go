package factory

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/concierge/internal/bus/memory"
	"github.com/seantiz/concierge/internal/config"
)

func TestOpenMemory(t *testing.T) {
	b, cleanup, err := Open(context.Background(), config.Config{Bus: config.BusMemory}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cleanup()

	_, ok := b.(*memory.Bus)
	assert.True(t, ok, "want *memory.Bus, got %T", b)
}

func TestOpenUnknown(t *testing.T) {
	_, _, err := Open(context.Background(), config.Config{Bus: "carrier-pigeon"}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestOpenPulseBadURL(t *testing.T) {
	_, _, err := Open(context.Background(), config.Config{Bus: config.BusPulse, RedisURL: "::not a url"}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
