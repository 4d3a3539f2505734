// Package locks provides in-process advisory locks keyed by (project, path).
// The crawler and the fix pipeline both hold a file's lock while touching it
// so a crawl never scans a half-applied fix and two fixes never race on one
// file.
package locks

import (
	"context"
	"sync"
)

// Registry hands out one mutex per key, created on demand.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch     chan struct{} // capacity 1; holding the token means holding the lock
	waiter int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

func key(projectID, path string) string { return projectID + "\x00" + path }

func (r *Registry) entryFor(k string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[k]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		r.locks[k] = e
	}
	e.waiter++
	return e
}

func (r *Registry) release(k string, e *entry) {
	<-e.ch
	r.mu.Lock()
	e.waiter--
	if e.waiter == 0 {
		delete(r.locks, k)
	}
	r.mu.Unlock()
}

// Acquire blocks until the (project, path) lock is held or the context ends.
// The returned function releases the lock and must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, projectID, path string) (func(), error) {
	k := key(projectID, path)
	e := r.entryFor(k)
	select {
	case e.ch <- struct{}{}:
		return func() { r.release(k, e) }, nil
	case <-ctx.Done():
		r.mu.Lock()
		e.waiter--
		if e.waiter == 0 {
			delete(r.locks, k)
		}
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the lock only if it is free right now.
func (r *Registry) TryAcquire(projectID, path string) (func(), bool) {
	k := key(projectID, path)
	e := r.entryFor(k)
	select {
	case e.ch <- struct{}{}:
		return func() { r.release(k, e) }, true
	default:
		r.mu.Lock()
		e.waiter--
		if e.waiter == 0 {
			delete(r.locks, k)
		}
		r.mu.Unlock()
		return nil, false
	}
}
