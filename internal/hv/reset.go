package hv

import "sync"

// ResetFunc restores a component to its power-on state.
type ResetFunc func()

// ResetRegistry collects reset callbacks.
type ResetRegistry interface {
	RegisterReset(name string, fn ResetFunc)
}

type resetEntry struct {
	name string
	fn   ResetFunc
}

// Resets runs registered callbacks in registration order.
type Resets struct {
	mu      sync.Mutex
	entries []resetEntry
}

func NewResets() *Resets {
	return &Resets{}
}

func (r *Resets) RegisterReset(name string, fn ResetFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, resetEntry{name: name, fn: fn})
}

// Reset invokes every callback.
func (r *Resets) Reset() {
	r.mu.Lock()
	entries := append([]resetEntry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		e.fn()
	}
}

// Names lists registered callbacks in order.
func (r *Resets) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

var _ ResetRegistry = &Resets{}
