package cache

import (
	"context"
	"log/slog"

	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/models"
)

// Invalidator evicts cache entries when entity change events arrive.
type Invalidator struct {
	cache  Cache
	logger *slog.Logger
}

func NewInvalidator(logger *slog.Logger, cache Cache) *Invalidator {
	return &Invalidator{
		cache:  cache,
		logger: logger.With("module", "cache_invalidator"),
	}
}

// Start subscribes to the content change topic and evicts affected keys
// until the subscription closes.
func (i *Invalidator) Start(ctx context.Context, subscriber eventbus.EventSubscriber) error {
	return subscriber.Subscribe(ctx, events.ContentTopic, i.handle)
}

func (i *Invalidator) handle(ctx context.Context, event events.Event) error {
	var keys []string

	switch changed := event.(type) {
	case *events.MetadataChanged:
		keys = EntityKeys(models.EntityMetadata, changed.MetadataID, changed.Version)
	case *events.CollectionChanged:
		keys = EntityKeys(models.EntityCollection, changed.CollectionID, nil)
	default:
		return nil
	}

	err := i.cache.Delete(ctx, keys...)
	if err != nil {
		i.logger.ErrorContext(ctx, "Failed to evict cache keys", "keys", keys, "error", err)

		return err
	}

	return nil
}
