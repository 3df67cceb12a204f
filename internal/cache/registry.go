package cache

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/multierr"
)

// DefaultID names the cache used when callers do not pick a named-server set.
const DefaultID = 0

// Factory builds the cache for a named-server id.
type Factory func(id int) (*Cache, error)

// Registry holds one Cache per named-server id, built on first use.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	caches  map[int]*Cache
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		caches:  make(map[int]*Cache),
	}
}

// Get returns the cache for id, building it if needed. Concurrent first
// calls for the same id build it once.
func (r *Registry) Get(id int) (*Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[id]; ok {
		return c, nil
	}
	c, err := r.factory(id)
	if err != nil {
		return nil, err
	}
	r.caches[id] = c
	return c, nil
}

func (r *Registry) Default() (*Cache, error) {
	return r.Get(DefaultID)
}

// All returns the caches built so far, ordered by id.
func (r *Registry) All() []*Cache {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Cache) int { return a.id - b.id })
	return out
}

// Close drains every cache's processor.
func (r *Registry) Close(ctx context.Context) error {
	var errs error
	for _, c := range r.All() {
		errs = multierr.Append(errs, c.Close(ctx))
	}
	return errs
}
