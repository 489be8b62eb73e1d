package cache

import (
	"context"
	"io"

	"yochat/client/pkg/config"
	"yochat/client/pkg/logger"
)

// Closer is a Store that owns resources.
type Closer interface {
	Store
	io.Closer
}

// NewStore builds the Store selected by cfg.Cache.Backend. An unreachable
// Redis degrades to the in-memory cache.
func NewStore(ctx context.Context, cfg *config.Config, log *logger.Logger) Closer {
	memory := func() Closer {
		return NewCache(Options{
			TTL:             cfg.Cache.TTL,
			CleanupInterval: cfg.Cache.PurgeWindow,
			MaxItems:        cfg.Cache.MaxSize,
		})
	}

	if cfg.Cache.Backend != "redis" {
		return memory()
	}

	store, err := NewRedisStore(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, log)
	if err != nil {
		log.LogError(err, "Redis cache unavailable, using in-memory cache")
		return memory()
	}
	return store
}
