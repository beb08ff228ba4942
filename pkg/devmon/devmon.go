// Package devmon implements the device monitor: a single off-reactor
// task that drains a work queue of device events and
// schedules the corresponding nexus mutation on the primary reactor.
// Delivery is at-least-once, so every handler here must be idempotent
// against redelivery of an event for an already-retired child.
package devmon

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/nexus"
	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// EventKind names the kind of device event the monitor can receive. The
// type is kept open for future event kinds (transport reconnect,
// admin-command recovery) without changing the queue's shape.
type EventKind int

const (
	// RemoveDevice signals hot-unplug, transport disconnect, or an
	// admin-command failure observed against a nexus child.
	RemoveDevice EventKind = iota
)

func (k EventKind) String() string {
	switch k {
	case RemoveDevice:
		return "RemoveDevice"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one device event, addressed by nexus name and child URI
// rather than by pointer, so a stale event can never dangle into a
// destroyed nexus.
type Event struct {
	Kind     EventKind
	Nexus    string
	ChildURI string
}

// Faulter is the subset of *nexus.Nexus the monitor needs to react to a
// device event. *nexus.Nexus satisfies this directly; tests can supply a
// fake.
type Faulter interface {
	FaultChild(uri string, reason nexus.FaultReason) error
}

// Resolver looks up a nexus by name. *RegistryResolver wraps
// *nexus.Registry to satisfy this.
type Resolver interface {
	Lookup(name string) (Faulter, bool)
}

// RegistryResolver adapts a *nexus.Registry to Resolver.
type RegistryResolver struct {
	Registry *nexus.Registry
}

// Lookup implements Resolver.
func (r RegistryResolver) Lookup(name string) (Faulter, bool) {
	n, ok := r.Registry.Lookup(name)
	if !ok {
		return nil, false
	}
	return n, true
}

// Dispatcher schedules fn to run on the primary reactor and returns its
// completion channel, mirroring (*reactor.Runtime).RunOnPrimary's
// signature so a Runtime method value can be passed directly.
type Dispatcher func(fn func(ctx context.Context) error) (<-chan error, error)

// Monitor drains a bounded queue of device events, one at a time, off the
// reactor runtime, and dispatches the resulting nexus mutation back onto
// the primary reactor.
type Monitor struct {
	events   chan Event
	resolver Resolver
	dispatch Dispatcher

	wg sync.WaitGroup
}

// NewMonitor constructs a Monitor. queueSize bounds the number of
// in-flight (submitted but not yet handled) events; Submit blocks once
// that bound is reached, giving the at-least-once queue natural
// backpressure instead of an unbounded backlog.
func NewMonitor(queueSize int, resolver Resolver, dispatch Dispatcher) *Monitor {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Monitor{
		events:   make(chan Event, queueSize),
		resolver: resolver,
		dispatch: dispatch,
	}
}

// Start launches the single drain goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop closes the event queue and waits for the drain goroutine to finish
// processing whatever was already queued.
func (m *Monitor) Stop() {
	close(m.events)
	m.wg.Wait()
}

// Submit enqueues ev, blocking until there is room or ctx is done.
func (m *Monitor) Submit(ctx context.Context, ev Event) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return nexuserr.Timeoutf("devmon", "submit: %v", ctx.Err())
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for ev := range m.events {
		m.handle(ev)
	}
}

func (m *Monitor) handle(ev Event) {
	switch ev.Kind {
	case RemoveDevice:
		m.handleRemoveDevice(ev)
	default:
		logger.Warn("devmon: unknown event kind", logger.Nexus(ev.Nexus), logger.Child(ev.ChildURI))
	}
}

// handleRemoveDevice faults the named child for removal. A nexus or child
// that is already gone is treated as success: redelivery of the same
// event must be a no-op, not an error.
func (m *Monitor) handleRemoveDevice(ev Event) {
	target, ok := m.resolver.Lookup(ev.Nexus)
	if !ok {
		logger.Debug("devmon: nexus not found, treating as already handled", logger.Nexus(ev.Nexus), logger.Child(ev.ChildURI))
		return
	}

	done, err := m.dispatch(func(ctx context.Context) error {
		return target.FaultChild(ev.ChildURI, nexus.ReasonRemoved)
	})
	if err != nil {
		logger.Error("devmon: failed to schedule remove-device handling", logger.Nexus(ev.Nexus), logger.Child(ev.ChildURI), logger.Err(err))
		return
	}

	if err := <-done; err != nil && !nexuserr.Is(err, nexuserr.NotFound) {
		logger.Error("devmon: remove-device handling failed", logger.Nexus(ev.Nexus), logger.Child(ev.ChildURI), logger.Err(err))
	}
}
