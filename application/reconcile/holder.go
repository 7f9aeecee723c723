package reconcile

import (
	"sync"

	"papervault/domain/core/aggregates"
)

// Listener observes every published state. It runs inside the holder's
// critical section and must neither block nor call back into the holder.
type Listener func(prev, next *aggregates.VaultState, cause string)

// StateHolder is the single mutable reference to a vault's collections.
// Every decide-then-publish step runs under its lock, so remote events and
// local settlements never observe each other half-done.
type StateHolder struct {
	mu        sync.Mutex
	state     *aggregates.VaultState
	listeners []Listener
}

// NewStateHolder wraps an initial state.
func NewStateHolder(initial *aggregates.VaultState) *StateHolder {
	return &StateHolder{state: initial}
}

// Current returns the published state.
func (h *StateHolder) Current() *aggregates.VaultState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Subscribe registers a listener for future publications.
func (h *StateHolder) Subscribe(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Update runs fn atomically against the current state and publishes what it
// returns. Returning the same pointer or an error publishes nothing.
func (h *StateHolder) Update(cause string, fn func(*aggregates.VaultState) (*aggregates.VaultState, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := fn(h.state)
	if err != nil {
		return err
	}
	if next == nil || next == h.state {
		return nil
	}
	prev := h.state
	h.state = next
	for _, l := range h.listeners {
		l(prev, next, cause)
	}
	return nil
}
