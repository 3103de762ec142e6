package cache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// TTL caches values per key. Concurrent misses share one fetch. An expired
// value is still served while a single background fetch replaces it.
type TTL[T any] struct {
	ttl     time.Duration
	now     func() time.Time
	entries *xsync.Map[string, entry[T]]
	sfg     singleflight.Group
}

func NewTTL[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: xsync.NewMap[string, entry[T]](),
	}
}

func (c *TTL[T]) Get(key string, fn func() (T, error)) (T, error) {
	if e, ok := c.entries.Load(key); ok {
		if c.now().Sub(e.fetchedAt) > c.ttl {
			go func() {
				_, _, _ = c.sfg.Do(key, func() (any, error) {
					result, err := fn()
					if err == nil {
						c.entries.Store(key, entry[T]{value: result, fetchedAt: c.now()})
					}
					return nil, nil
				})
			}()
		}
		return e.value, nil
	}

	v, err, _ := c.sfg.Do(key, func() (any, error) {
		if e, ok := c.entries.Load(key); ok {
			return e, nil
		}
		res, err := fn()
		if err != nil {
			return nil, err
		}
		e := entry[T]{value: res, fetchedAt: c.now()}
		c.entries.Store(key, e)
		return e, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(entry[T]).value, nil
}

func (c *TTL[T]) Invalidate(key string) {
	c.entries.Delete(key)
}
