// Package nvmf implements NVMe-oF TCP sharing: it fronts a local block
// device (replica or nexus) with a subsystem carrying
// a generated NQN, allocates a transport endpoint, and hands back the URI
// remote initiators and south-bound nexuses use to reach it.
//
// This package does not speak real NVMe-oF wire protocol, which lives in
// the underlying user-space storage framework; it models the bookkeeping
// around subsystem
// lifecycle: NQN generation, port allocation, host access-list
// enforcement, and idempotent share/unshare.
package nvmf

import (
	"fmt"
	"sync"

	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// Target is anything a subsystem can front: a replica or a nexus.
type Target interface {
	Name() string
	UUID() string
	SizeBytes() uint64
}

// ShareProps configure a share.
type ShareProps struct {
	// AllowedHosts lists NQNs permitted to connect; empty means any host.
	AllowedHosts []string

	// ControllerIDMin/Max bound the controller-ID range handed to
	// connecting initiators.
	ControllerIDMin uint16
	ControllerIDMax uint16

	// ANAState is the Asymmetric Namespace Access state advertised for the
	// namespace ("optimized", "non_optimized", "inaccessible").
	ANAState string
}

// Subsystem is one exported device.
type Subsystem struct {
	NQN        string
	DeviceName string
	DeviceUUID string
	Host       string
	Port       int
	Props      ShareProps

	draining bool
}

// URI returns the nvmf://host:port/<nqn> address initiators dial.
func (s *Subsystem) URI() string {
	return fmt.Sprintf("nvmf://%s:%d/%s", s.Host, s.Port, s.NQN)
}

// Registry tracks live subsystems, generates NQNs, and allocates ports from
// a configured range.
type Registry struct {
	mu sync.Mutex

	nqnPrefix   string
	host        string
	portStart   int
	portEnd     int
	defaultANA  string
	nextPort    int
	byDevice    map[string]*Subsystem // device name -> subsystem
	byNQN       map[string]*Subsystem
	usedPorts   map[int]bool
	drainNotify func(*Subsystem) // test seam: invoked synchronously on Unshare
}

// NewRegistry creates a subsystem registry. host is the NVMe-oF TCP
// listen address advertised in generated URIs.
func NewRegistry(nqnPrefix, host string, portStart, portEnd int, defaultANA string) *Registry {
	return &Registry{
		nqnPrefix:  nqnPrefix,
		host:       host,
		portStart:  portStart,
		portEnd:    portEnd,
		nextPort:   portStart,
		defaultANA: defaultANA,
		byDevice:   make(map[string]*Subsystem),
		byNQN:      make(map[string]*Subsystem),
		usedPorts:  make(map[int]bool),
	}
}

// allocPort hands out free ports round-robin starting at nextPort, so a
// device shared again after Unshare gets a different port (and URI) while
// other ports in the range are still free.
func (r *Registry) allocPort() (int, error) {
	span := r.portEnd - r.portStart + 1
	for i := 0; i < span; i++ {
		p := r.portStart + (r.nextPort-r.portStart+i)%span
		if !r.usedPorts[p] {
			r.usedPorts[p] = true
			r.nextPort = p + 1
			if r.nextPort > r.portEnd {
				r.nextPort = r.portStart
			}
			return p, nil
		}
	}
	return 0, nexuserr.NoSpacef("nvmf-ports", "no free port in range [%d,%d]", r.portStart, r.portEnd)
}

// Share exports target under a subsystem, returning its URI. At most one
// subsystem exists per device: re-sharing the same device (by name)
// returns the existing URI.
func (r *Registry) Share(target Target, props ShareProps) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byDevice[target.Name()]; ok {
		return existing.URI(), nil
	}

	if props.ANAState == "" {
		props.ANAState = r.defaultANA
	}

	port, err := r.allocPort()
	if err != nil {
		return "", err
	}

	nqn := fmt.Sprintf("%s:%s", r.nqnPrefix, target.UUID())
	if _, exists := r.byNQN[nqn]; exists {
		r.usedPorts[port] = false
		return "", nexuserr.AlreadyExistsf(nqn, "subsystem already registered")
	}

	sub := &Subsystem{
		NQN:        nqn,
		DeviceName: target.Name(),
		DeviceUUID: target.UUID(),
		Host:       r.host,
		Port:       port,
		Props:      props,
	}
	r.byDevice[target.Name()] = sub
	r.byNQN[nqn] = sub

	logger.Info("nvmf subsystem started", logger.Replica(target.Name()))
	return sub.URI(), nil
}

// Unshare stops the subsystem fronting deviceName. It is a no-op if the
// device is not currently shared. Stopping waits for in-flight I/O to
// drain; this implementation models that with a synchronous drain
// callback test seam (drainNotify) rather than real I/O accounting.
func (r *Registry) Unshare(deviceName string) error {
	r.mu.Lock()
	sub, ok := r.byDevice[deviceName]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	sub.draining = true
	notify := r.drainNotify
	r.mu.Unlock()

	if notify != nil {
		notify(sub)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byDevice, deviceName)
	delete(r.byNQN, sub.NQN)
	delete(r.usedPorts, sub.Port)

	logger.Info("nvmf subsystem stopped", logger.Replica(deviceName))
	return nil
}

// LookupByNQN returns the subsystem registered under nqn.
func (r *Registry) LookupByNQN(nqn string) (*Subsystem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byNQN[nqn]
	if !ok {
		return nil, nexuserr.NotFoundf(nqn, "no subsystem registered")
	}
	return sub, nil
}

// LookupByDevice returns the subsystem fronting deviceName, or nil if the
// device is not currently shared.
func (r *Registry) LookupByDevice(deviceName string) *Subsystem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDevice[deviceName]
}

// IsShared reports whether deviceName currently has a live subsystem.
func (r *Registry) IsShared(deviceName string) bool {
	return r.LookupByDevice(deviceName) != nil
}
