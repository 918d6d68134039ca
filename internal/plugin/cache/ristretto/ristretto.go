// Package ristretto provides an in-process MemoryEntriesCache backed by
// dgraph-io/ristretto, for single-node deployments that want the epoch-read
// hot path memoized without a network round-trip to Redis/Infinispan.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/driftbound/convoy/internal/config"
	registrycache "github.com/driftbound/convoy/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

const (
	defaultTTL           = 10 * time.Minute
	defaultNumCounters   = 1e6
	defaultMaxCostBytes  = 64 << 20 // 64 MiB
	defaultBufferItems   = 64
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "ristretto",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	ttl := defaultTTL
	if cfg != nil && cfg.CacheEpochTTL > 0 {
		ttl = cfg.CacheEpochTTL
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, registrycache.CachedMemoryEntries]{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCostBytes,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto cache: %w", err)
	}
	return &ristrettoEntriesCache{client: c, ttl: ttl}, nil
}

type ristrettoEntriesCache struct {
	client *ristretto.Cache[string, registrycache.CachedMemoryEntries]
	ttl    time.Duration
}

func entriesKey(convID uuid.UUID, clientID string) string {
	return convID.String() + ":" + clientID
}

func (c *ristrettoEntriesCache) Available() bool { return true }

func (c *ristrettoEntriesCache) Get(_ context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	v, ok := c.client.Get(entriesKey(conversationID, clientID))
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *ristrettoEntriesCache) Set(_ context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	cost := int64(1)
	for _, e := range entries.Entries {
		cost += int64(len(e.Content))
	}
	c.client.SetWithTTL(entriesKey(conversationID, clientID), entries, cost, ttl)
	c.client.Wait()
	return nil
}

func (c *ristrettoEntriesCache) Remove(_ context.Context, conversationID uuid.UUID, clientID string) error {
	c.client.Del(entriesKey(conversationID, clientID))
	return nil
}

var _ registrycache.MemoryEntriesCache = (*ristrettoEntriesCache)(nil)
