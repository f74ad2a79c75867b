package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/layer-3/compact/core"
	"github.com/patrickmn/go-cache"
)

// Fetcher performs one conditional read. validator is the last token stored for
// the key, or "". notModified reports that the source answered "unchanged".
type Fetcher[T any] func(ctx context.Context, validator string) (value T, newValidator string, notModified bool, err error)

type cacheEntry[T any] struct {
	value     T
	validator string
}

// QueryCache deduplicates reads by key. It never swallows fetch errors; it only
// suppresses successful results equal to what is already cached.
type QueryCache[T any] struct {
	entries *cache.Cache
}

// NewQueryCache creates a cache. ttl <= 0 keeps entries for the life of the cache.
func NewQueryCache[T any](ttl time.Duration) *QueryCache[T] {
	if ttl <= 0 {
		return &QueryCache[T]{entries: cache.New(cache.NoExpiration, 0)}
	}
	return &QueryCache[T]{entries: cache.New(ttl, 2*ttl)}
}

func (c *QueryCache[T]) lookup(key string) (cacheEntry[T], bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return cacheEntry[T]{}, false
	}
	e, ok := v.(cacheEntry[T])
	return e, ok
}

// Query runs fetch for key. changed is false when the cached value was returned.
func (c *QueryCache[T]) Query(ctx context.Context, key string, fetch Fetcher[T]) (value T, changed bool, err error) {
	prev, cached := c.lookup(key)

	v, validator, notModified, err := fetch(ctx, prev.validator)
	if err != nil {
		var zero T
		return zero, false, err
	}

	if notModified {
		if !cached {
			var zero T
			return zero, false, fmt.Errorf("not modified without a cached value for %q: %w", key, core.ErrMalformedResponse)
		}
		return prev.value, false, nil
	}

	if cached && cmp.Equal(prev.value, v, cmpopts.EquateEmpty()) {
		if validator != prev.validator {
			c.entries.Set(key, cacheEntry[T]{value: prev.value, validator: validator}, cache.DefaultExpiration)
		}
		return prev.value, false, nil
	}

	c.entries.Set(key, cacheEntry[T]{value: v, validator: validator}, cache.DefaultExpiration)
	return v, true, nil
}

// Len returns the number of cached keys
func (c *QueryCache[T]) Len() int {
	return c.entries.ItemCount()
}

// Flush drops every entry
func (c *QueryCache[T]) Flush() {
	c.entries.Flush()
}
