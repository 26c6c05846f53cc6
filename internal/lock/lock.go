// Package lock provides a registry of per-key mutexes.
//
// Tasks that mutate a shared domain entity hold the entity's key
// (e.g. "video:42") for the duration of the mutation.
package lock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Registry hands out exclusive locks keyed by entity identity.
// Entries are dropped once no goroutine holds or waits for them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the function that releases it.
func (r *Registry) Lock(key string) (unlock func()) {
	unlock, _ = r.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock with cancellation. On ctx expiry no lock is held.
func (r *Registry) LockContext(ctx context.Context, key string) (func(), error) {
	e := r.acquireRef(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		r.releaseRef(key, e)
		return func() {}, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			r.releaseRef(key, e)
		})
	}, nil
}

// Held reports how many keys currently have holders or waiters.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) acquireRef(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	e := r.entries[key]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) releaseRef(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs <= 0 && r.entries[key] == e {
		delete(r.entries, key)
	}
}
