// Package lane provides one exclusive execution slot per key. Waiters on the same key
// are admitted in arrival order; different keys never block each other. Slots for idle
// keys are dropped so the registry does not grow with the number of keys ever seen.
package lane

import (
	"context"
	"sync"
)

type slot struct {
	ch   chan struct{}
	refs int
}

// Registry maps keys to their execution slot.
type Registry[K comparable] struct {
	mu    sync.Mutex
	slots map[K]*slot
}

func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{slots: make(map[K]*slot)}
}

// Acquire blocks until the caller owns key's slot or ctx is done. On a ctx error the
// caller never held the slot. The returned release func is idempotent.
func (r *Registry[K]) Acquire(ctx context.Context, key K) (release func(), err error) {
	r.mu.Lock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		r.slots[key] = s
	}
	s.refs++
	r.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		r.unref(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			r.unref(key, s)
		})
	}, nil
}

func (r *Registry[K]) unref(key K, s *slot) {
	r.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(r.slots, key)
	}
	r.mu.Unlock()
}

// Len reports how many keys currently hold or wait for a slot.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
