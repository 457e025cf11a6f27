package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardie-github/Settler-API-sub003/config"
)

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	ctx := context.Background()
	var v string
	assert.True(t, errors.Is(c.Get(ctx, "k", &v), ErrCacheDisabled))
	assert.True(t, errors.Is(c.Set(ctx, "k", "v", time.Minute), ErrCacheDisabled))
	assert.True(t, errors.Is(c.Delete(ctx, "k"), ErrCacheDisabled))
	assert.NoError(t, c.Close())
}

func TestUnreachableRedisErrorsAreWrapped(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewRedisCacheWithClient(client)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	err := c.Set(ctx, "saga:1", map[string]string{"status": "COMPLETED"}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set value in Redis")

	var v map[string]string
	err = c.Get(ctx, "saga:1", &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get value from Redis")
}
