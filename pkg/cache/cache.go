// Package cache provides entity caches kept coherent by change events.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/conduit/pkg/models"
)

// Cache is a byte-value cache with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close(ctx context.Context) error
}

// MetadataKey returns the cache key for a metadata item.
func MetadataKey(id string) string {
	return "metadata:" + id
}

// MetadataVersionKey returns the cache key for a specific metadata version.
func MetadataVersionKey(id string, version int32) string {
	return fmt.Sprintf("metadata:%s:%d", id, version)
}

// CollectionKey returns the cache key for a collection.
func CollectionKey(id string) string {
	return "collection:" + id
}

// EntityKeys returns every cache key a change to the given entity touches.
func EntityKeys(kind models.EntityKind, id string, version *int32) []string {
	switch kind {
	case models.EntityMetadata:
		keys := []string{MetadataKey(id)}
		if version != nil {
			keys = append(keys, MetadataVersionKey(id, *version))
		}

		return keys
	case models.EntityCollection:
		return []string{CollectionKey(id)}
	default:
		return nil
	}
}
