// Package cache wraps memcache as the "known to exist" gate in front of the
// document store (spec.md §4.E, §4.F, §4.G, §4.H): a cache hit means the
// worker can skip a store read before writing, a miss means it must go
// check the store before deciding whether to create or update.
package cache

import (
	"encoding/json"
	"errors"

	"github.com/bradfitz/gomemcache/memcache"
)

// present is the sentinel value stored for every cache entry; callers only
// ever care about hit/miss, never the payload.
var present = []byte{1}

// Cache is the subset of memcache operations the worker needs.
type Cache struct {
	client *memcache.Client
}

// New wraps an already-constructed memcache client.
func New(client *memcache.Client) *Cache {
	return &Cache{client: client}
}

// Known reports whether key has been marked present and not yet expired.
func (c *Cache) Known(key string) (bool, error) {
	_, err := c.client.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	return false, err
}

// Mark records key as present for the given TTL in seconds.
func (c *Cache) Mark(key string, expSeconds int32) error {
	return c.client.Set(&memcache.Item{Key: key, Value: present, Expiration: expSeconds})
}

// KnownMulti reports which of keys are currently marked present. Keys not
// in the returned set are either absent or expired.
func (c *Cache) KnownMulti(keys []string) (map[string]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	items, err := c.client.GetMulti(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(items))
	for k := range items {
		out[k] = true
	}
	return out, nil
}

// MarkMulti records every key in keys as present for the given TTL.
// memcache has no native multi-set, so this issues one Set per key; a
// failure partway through leaves the remaining keys to be picked up by the
// next cache-miss path, which is safe since the cache is only ever an
// optimization over the store, never the source of truth.
func (c *Cache) MarkMulti(keys []string, expSeconds int32) error {
	for _, k := range keys {
		if err := c.Mark(k, expSeconds); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key from the cache, used when a bucket is deleted during
// overlap reconciliation (spec.md §4.G CREATE).
func (c *Cache) Delete(key string) error {
	err := c.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// bucketCacheValue is the small object form of a bucket cache entry
// (spec.md §6): a snapshot of the bucket's value_types at last write.
type bucketCacheValue struct {
	ValueTypes map[string]bool `json:"value_types"`
}

// GetValueTypes reads a bucket's cached value-types snapshot. The bool
// return is false on a cache miss; it is never true with a nil map.
func (c *Cache) GetValueTypes(key string) (map[string]bool, bool, error) {
	item, err := c.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v bucketCacheValue
	if err := json.Unmarshal(item.Value, &v); err != nil {
		return nil, false, err
	}
	if v.ValueTypes == nil {
		v.ValueTypes = map[string]bool{}
	}
	return v.ValueTypes, true, nil
}

// SetValueTypes records a bucket's current value-types snapshot under key
// for the given TTL (spec.md §4.G step 3).
func (c *Cache) SetValueTypes(key string, valueTypes map[string]bool, expSeconds int32) error {
	payload, err := json.Marshal(bucketCacheValue{ValueTypes: valueTypes})
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{Key: key, Value: payload, Expiration: expSeconds})
}
