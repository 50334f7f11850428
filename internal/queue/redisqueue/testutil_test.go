//go:build integration

package redisqueue_test

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupTestContainer starts a redis container via testcontainers-go and
// returns a connected client. The container and the client are cleaned up
// when the test ends.
func setupTestContainer(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Ping(ctx).Err())
	return client
}

// testClient checks the TEST_REDIS_URL environment variable first; if unset,
// it falls back to a Docker-based ephemeral redis via setupTestContainer.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		require.NoError(t, err)
		client := redis.NewClient(opts)
		t.Cleanup(func() { client.Close() })
		require.NoError(t, client.Ping(context.Background()).Err())
		return client
	}
	return setupTestContainer(t)
}
