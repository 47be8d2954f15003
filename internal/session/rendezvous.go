package session

import (
	"context"
	"sync"
)

// Rendezvous hands one value from an event producer to a single waiting
// consumer, keyed by event name. Each key is one-shot: the first Resolve
// wins, later ones for the same key are dropped.
type Rendezvous struct {
	mu      sync.Mutex
	waiters map[string]chan interface{}
}

// NewRendezvous builds an empty rendezvous table.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{
		waiters: make(map[string]chan interface{}),
	}
}

// Waiter is one registered subscription to a key, created by Watch.
type Waiter struct {
	r   *Rendezvous
	key string
	ch  chan interface{}
}

// Watch registers for key immediately. Registering before sending the
// message that triggers the event means a response arriving between the send
// and the Wait still lands.
func (r *Rendezvous) Watch(key string) *Waiter {
	ch := make(chan interface{}, 1)
	r.mu.Lock()
	r.waiters[key] = ch
	r.mu.Unlock()
	return &Waiter{r: r, key: key, ch: ch}
}

// Wait blocks until the key resolves or the context ends. The registration
// is withdrawn either way.
func (w *Waiter) Wait(ctx context.Context) (interface{}, error) {
	defer w.Cancel()
	select {
	case v := <-w.ch:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the registration if it is still the current one.
func (w *Waiter) Cancel() {
	w.r.mu.Lock()
	if w.r.waiters[w.key] == w.ch {
		delete(w.r.waiters, w.key)
	}
	w.r.mu.Unlock()
}

// Await registers and blocks in one step. Only one waiter per key; a second
// registration for the same key replaces the first.
func (r *Rendezvous) Await(ctx context.Context, key string) (interface{}, error) {
	return r.Watch(key).Wait(ctx)
}

// Resolve delivers a value to the waiter for key, if any. Returns whether a
// waiter consumed it.
func (r *Rendezvous) Resolve(key string, value interface{}) bool {
	r.mu.Lock()
	ch, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- value
	return true
}
