package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"spacewatch/internal/metrics"
	"spacewatch/internal/model"
)

// Loader reads desired config from the backing store. A nil config without
// error means the space has none.
type Loader interface {
	GetDesiredConfig(ctx context.Context, spaceID string) (*model.DesiredConfig, error)
}

// entry wraps the loaded value so that "no config" is cached like any other
// result.
type entry struct {
	cfg *model.DesiredConfig
}

// DesiredConfigCache is a per-space TTL cache in front of the desired config
// store. Concurrent misses for one space share a single store read.
type DesiredConfigCache struct {
	loader Loader
	lru    *expirable.LRU[string, entry]
	group  singleflight.Group

	// a load only fills the cache if no Invalidate or Purge ran meanwhile
	mu     sync.Mutex
	gens   map[string]uint64
	purges uint64
}

func NewDesiredConfigCache(loader Loader, size int, ttl time.Duration) *DesiredConfigCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DesiredConfigCache{
		loader: loader,
		lru:    expirable.NewLRU[string, entry](size, nil, ttl),
		gens:   make(map[string]uint64),
	}
}

func (c *DesiredConfigCache) Get(ctx context.Context, spaceID string) (*model.DesiredConfig, error) {
	if e, ok := c.lru.Get(spaceID); ok {
		metrics.ConfigCacheLookups.WithLabelValues("hit").Inc()
		return clone(e.cfg), nil
	}
	metrics.ConfigCacheLookups.WithLabelValues("miss").Inc()
	v, err, _ := c.group.Do(spaceID, func() (any, error) {
		gen, purges := c.generation(spaceID)
		cfg, err := c.loader.GetDesiredConfig(ctx, spaceID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[spaceID] == gen && c.purges == purges {
			c.lru.Add(spaceID, entry{cfg: cfg})
		}
		c.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		metrics.ConfigCacheLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load desired config: %w", err)
	}
	return clone(v.(*model.DesiredConfig)), nil
}

func (c *DesiredConfigCache) generation(spaceID string) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[spaceID], c.purges
}

// Invalidate drops the cached value so the next Get reads the store. A load
// already in flight is not cached.
func (c *DesiredConfigCache) Invalidate(spaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[spaceID]++
	c.lru.Remove(spaceID)
	c.group.Forget(spaceID)
}

func (c *DesiredConfigCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges++
	clear(c.gens)
	c.lru.Purge()
}

func (c *DesiredConfigCache) Len() int {
	return c.lru.Len()
}

func clone(cfg *model.DesiredConfig) *model.DesiredConfig {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	return &cp
}
