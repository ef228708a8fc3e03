package composite

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps node addresses to the factories that construct them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// NewBuiltinRegistry creates a registry holding the built-in local nodes.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(AddressRAMEmitter, FactoryFunc(newRAMEmitter))
	r.Register(AddressCounter, FactoryFunc(newCounter))
	r.Register(AddressJSProcess, FactoryFunc(newJSProcess))
	return r
}

// Register adds a factory under the given address, replacing any previous one.
func (r *Registry) Register(address string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[address] = f
}

// Resolve returns the factory registered for address.
func (r *Registry) Resolve(address string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[address]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, address)
	}
	return f, nil
}

// Addresses returns all registered addresses, sorted for a stable API response.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make([]string, 0, len(r.factories))
	for a := range r.factories {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}
