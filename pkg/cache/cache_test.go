package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"yochat/client/pkg/config"
	"yochat/client/pkg/logger"
)

func TestCacheGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewCache(Options{TTL: time.Minute})
	defer c.Close()

	_, ok := c.Get(ctx, "room:1")
	assert.False(t, ok)

	c.Set(ctx, "room:1", "General")
	v, ok := c.Get(ctx, "room:1")
	assert.True(t, ok)
	assert.Equal(t, "General", v)

	c.Delete(ctx, "room:1")
	_, ok = c.Get(ctx, "room:1")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewCache(Options{TTL: time.Minute})
	c.now = func() time.Time { return now }

	c.Set(ctx, "k", "v")
	now = now.Add(2 * time.Minute)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Count())

	c.deleteExpired()
	assert.Equal(t, 0, c.Count())
}

func TestCacheEvictsSoonestToExpire(t *testing.T) {
	ctx := context.Background()
	c := NewCache(Options{TTL: time.Hour, MaxItems: 3})

	c.SetWithExpiration("short", "1", time.Minute)
	c.SetWithExpiration("forever", "2", 0)
	c.Set(ctx, "long", "3")
	c.Set(ctx, "new", "4")

	assert.Equal(t, 3, c.Count())
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
	for _, k := range []string{"forever", "long", "new"} {
		_, ok := c.Get(ctx, k)
		assert.True(t, ok, k)
	}
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	c := NewCache(Options{MaxItems: 2})
	for i := 0; i < 2; i++ {
		c.Set(ctx, fmt.Sprint(i), "v")
	}
	c.Set(ctx, "0", "updated")

	assert.Equal(t, 2, c.Count())
	v, _ := c.Get(ctx, "0")
	assert.Equal(t, "updated", v)
}

func TestNewStoreFallsBackToMemory(t *testing.T) {
	cfg := config.Load()
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisURL = "::not a url::"

	store := NewStore(context.Background(), cfg, logger.Nop())
	defer store.Close()

	_, isMemory := store.(*Cache)
	assert.True(t, isMemory)
}
