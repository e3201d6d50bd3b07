package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frenchmentor/internal/config"
)

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	ctx := context.Background()
	assert.Error(t, c.Set(ctx, "k", "v", time.Second))
	_, err := c.Get(ctx, "k")
	assert.Error(t, err)
	assert.NoError(t, c.Close())
	assert.Nil(t, c.Raw())
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	_, err := NewRedisClient(config.RedisConfig{})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	c, err := NewRedisClient(config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "frenchmentor:test", "v", time.Minute))
	got, err := c.Get(ctx, "frenchmentor:test")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, c.Del(ctx, "frenchmentor:test"))
	_, err = c.Get(ctx, "frenchmentor:test")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}
