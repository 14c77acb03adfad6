// Package cache holds short-lived caches in front of the geocoding provider
// and the warmer that keeps configured cities' weather fresh.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/city-weather-service/internal/geo"
)

// Cache stores geocoder responses. Get returns ok=false on miss or expiry.
type Cache interface {
	Get(ctx context.Context, key string) (geo.Candidates, bool, error)
	Set(ctx context.Context, key string, value geo.Candidates, ttl time.Duration) error
}

// InMemoryCache implements Cache with a map and per-entry expiry. Expired
// entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu    sync.Mutex
	data  map[string]cacheEntry
	clock clockwork.Clock
}

type cacheEntry struct {
	value     geo.Candidates
	expiresAt time.Time
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock creates an empty cache that reads time from clock.
func NewInMemoryCacheWithClock(clock clockwork.Clock) *InMemoryCache {
	return &InMemoryCache{data: make(map[string]cacheEntry), clock: clock}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (geo.Candidates, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if c.clock.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return cloneCandidates(entry.value), true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value geo.Candidates, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{value: cloneCandidates(value), expiresAt: c.clock.Now().Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// cloneCandidates copies the slices a caller could mutate.
func cloneCandidates(in geo.Candidates) geo.Candidates {
	if in == nil {
		return nil
	}
	out := make(geo.Candidates, len(in))
	for i, cand := range in {
		out[i] = cand
		out[i].AddressComponents = make([]geo.AddressComponent, len(cand.AddressComponents))
		for j, comp := range cand.AddressComponents {
			out[i].AddressComponents[j] = comp
			out[i].AddressComponents[j].Types = append([]string(nil), comp.Types...)
		}
	}
	return out
}
