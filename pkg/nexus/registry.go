package nexus

import (
	"sync"

	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// Registry is the process-wide name -> nexus table: mutated only by the
// primary reactor, read by any reactor as a stable snapshot. It stores
// nexuses by name rather than handing out pointers to callbacks;
// device-event delivery is by name through a work queue, not by pointer.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Nexus
}

// NewRegistry constructs an empty nexus registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Nexus)}
}

// Register adds n to the registry under its own name. Fails if a nexus by
// that name is already registered.
func (r *Registry) Register(n *Nexus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[n.Name()]; exists {
		return nexuserr.AlreadyExistsf(n.Name(), "nexus already registered")
	}
	r.byName[n.Name()] = n
	return nil
}

// Unregister removes name from the registry. No-op if name is not present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
}

// Lookup returns the nexus registered under name, if any.
func (r *Registry) Lookup(name string) (*Nexus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byName[name]
	return n, ok
}

// List returns a snapshot of every registered nexus.
func (r *Registry) List() []*Nexus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Nexus, 0, len(r.byName))
	for _, n := range r.byName {
		out = append(out, n)
	}
	return out
}
