package api

import (
	"context"
	"sync"
)

// Registry keeps at most one live registration per key.
type Registry struct {
	mu     sync.Mutex
	regs   map[string]Unsubscribe
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Unsubscribe)}
}

// Replace cancels the registration held under key, then establishes a new
// one with register. The old registration is fully stopped before the new
// one starts, so two listeners never write the same view state.
func (r *Registry) Replace(ctx context.Context, key string, register func(ctx context.Context) (Unsubscribe, error)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return context.Canceled
	}
	prev := r.regs[key]
	delete(r.regs, key)
	r.mu.Unlock()

	if prev != nil {
		prev()
	}

	unsub, err := register(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return context.Canceled
	}
	// A concurrent Replace on the same key may have landed first.
	other := r.regs[key]
	r.regs[key] = unsub
	r.mu.Unlock()

	if other != nil {
		other()
	}
	return nil
}

func (r *Registry) Cancel(key string) {
	r.mu.Lock()
	unsub := r.regs[key]
	delete(r.regs, key)
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[key]
	return ok
}

// Close cancels every registration. Later Replace calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	regs := r.regs
	r.regs = make(map[string]Unsubscribe)
	r.closed = true
	r.mu.Unlock()

	for _, unsub := range regs {
		unsub()
	}
}
