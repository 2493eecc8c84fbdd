package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownNetwork is returned when no adapter is registered for a network.
var ErrUnknownNetwork = errors.New("chain: unknown network")

// Registry resolves adapters by network name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry constructs a registry seeded with the supplied adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its network.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[NormalizeNetwork(a.Network())] = a
}

// Get returns the adapter for network.
func (r *Registry) Get(network string) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[NormalizeNetwork(network)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return a, nil
}

// Networks lists registered networks in sorted order.
func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
