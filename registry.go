package chatsg

import (
	"context"
	"fmt"
	"sync"
)

// Registry is a thread-safe map of live agents keyed by name. Lookup is
// O(1); enumeration order is unspecified.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under its advertised name. Registering a name
// twice replaces the previous agent.
func (r *Registry) Register(a Agent) error {
	name := a.Info().Name
	if name == "" {
		return fmt.Errorf("register: agent has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = a
	return nil
}

// Unregister removes the named agent. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered agent names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// List returns the capability descriptors of all registered agents.
func (r *Registry) List() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capabilities, 0, len(r.agents))
	for _, a := range r.agents {
		caps = append(caps, a.Capabilities())
	}
	return caps
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Acquire implements AgentProvider over registered agents. The release
// func is a no-op: registry agents live for the registry's lifetime.
func (r *Registry) Acquire(_ context.Context, name string) (Agent, func(), error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, func() {}, nil
}
