package blockdev

import (
	"sync"

	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// Descriptor is an open handle on a Device. Opening a URI twice yields two
// independent Descriptors sharing the same underlying backend; only one of
// them may hold the exclusive-write Claim at a time.
type Descriptor struct {
	mu       sync.Mutex
	device   *Device
	backend  backend
	registry *Registry
	uri      string // set for bdev/aio descriptors; empty for nvmf remotes
	closed   bool
}

// Device returns the immutable metadata for the device this descriptor was
// opened against.
func (d *Descriptor) Device() *Device {
	return d.device
}

// Claim acquires the device's exclusive-write claim for owner. A second
// Claim by a different owner fails with Claimed; re-claiming by the same
// owner is a no-op.
func (d *Descriptor) Claim(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device.claimedBy == owner {
		return nil
	}
	if d.device.claimedBy != "" {
		return nexuserr.Claimedf(d.device.Name, "already claimed by %q", d.device.claimedBy)
	}
	d.device.claimedBy = owner
	return nil
}

// Unclaim releases the exclusive-write claim if held by owner. It is a
// no-op if owner does not currently hold the claim.
func (d *Descriptor) Unclaim(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device.claimedBy == owner {
		d.device.claimedBy = ""
	}
}

// GetIOHandle binds this descriptor to an I/O channel, returning a Handle
// that can actually issue reads and writes. A channel is conceptually
// per-reactor; here it is a lightweight value since the engine does not
// depend on per-core NVMe queue-pair machinery.
func (d *Descriptor) GetIOHandle() *Handle {
	return &Handle{descriptor: d}
}

// Close releases the descriptor. Close does not affect other descriptors
// opened against the same device; the underlying backend is only released
// when the last descriptor referencing it is closed. Close is idempotent.
func (d *Descriptor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.uri != "" {
		return d.registry.releaseLocal(d.uri)
	}
	return nil
}
