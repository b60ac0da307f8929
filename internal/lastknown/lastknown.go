// Package lastknown keeps the most recent successful result of a read so a
// failed refresh can fall back to it instead of surfacing an error.
package lastknown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Value is a read result. Stale is set when Fetch served the cached copy
// after the refresh failed; Warning holds that failure.
type Value[V any] struct {
	V       V
	AsOf    time.Time
	Stale   bool
	Warning error
}

type entry[V any] struct {
	value V
	asOf  time.Time
}

type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	clock   clockwork.Clock
}

func New[K comparable, V any](clock clockwork.Clock) *Cache[K, V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache[K, V]{entries: make(map[K]entry[V]), clock: clock}
}

// Fetch runs fetch and records its result. When fetch fails and a previous
// value exists, that value is returned marked stale with a nil error.
// Cancellation of ctx is never masked.
func (c *Cache[K, V]) Fetch(ctx context.Context, key K, fetch func(context.Context) (V, error)) (Value[V], error) {
	v, err := fetch(ctx)
	if err == nil {
		now := c.clock.Now()
		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, asOf: now}
		c.mu.Unlock()
		return Value[V]{V: v, AsOf: now}, nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return Value[V]{}, err
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Value[V]{}, err
	}
	return Value[V]{V: e.value, AsOf: e.asOf, Stale: true, Warning: err}, nil
}

func (c *Cache[K, V]) Get(key K) (Value[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Value[V]{}, false
	}
	return Value[V]{V: e.value, AsOf: e.asOf}, true
}

// Forget drops key so the next failed refresh surfaces its error.
func (c *Cache[K, V]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
