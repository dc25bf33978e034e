package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/conduit/pkg/cache"
)

// NewCache opens the entity cache. An empty address selects the in-process
// cache.
func NewCache(ctx context.Context, logger *slog.Logger, redisAddr, redisPassword string, redisDB int) cache.Cache {
	if redisAddr == "" {
		return cache.NewMemoryCache()
	}

	c, err := cache.NewRedisCache(ctx, redisAddr, redisPassword, redisDB)
	if err != nil {
		panic(fmt.Errorf("failed to connect to redis: %w", err))
	}

	logger.InfoContext(ctx, "Connected to redis cache", "addr", redisAddr)

	return c
}
