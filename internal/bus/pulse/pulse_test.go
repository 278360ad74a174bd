package pulse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/seantiz/concierge/internal/bus"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, pulse tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, hostErr := testRedisContainer.Host(ctx)
		port, portErr := testRedisContainer.MappedPort(ctx, "6379")
		if hostErr != nil || portErr != nil {
			skipIntegration = true
		} else {
			testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
			if err := testRedisClient.Ping(ctx).Err(); err != nil {
				skipIntegration = true
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

func TestPublishConsumeAck(t *testing.T) {
	rdb := getRedis(t)
	b := New(rdb, 100, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := b.Subscribe(ctx, "general-info-responses", "orchestrator-group")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "general-info-responses", "c1", []byte(`{"x":1}`)))

	select {
	case msg := <-ch:
		assert.Equal(t, "c1", msg.Key)
		assert.Equal(t, `{"x":1}`, string(msg.Payload))
		assert.NotEmpty(t, msg.ID)
		require.NoError(t, b.Commit(ctx, msg))
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestCommitForeignToken(t *testing.T) {
	b := New(nil, 0, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	err := b.Commit(context.Background(), bus.Message{Token: 42})
	assert.Error(t, err)
}
