// Package nexus implements the replicated virtual block device and its
// child state machine: fan-out writes, single-source reads, per-child
// fault handling, and the background rebuild jobs (pkg/rebuild) that
// bring a reattached child back in sync.
package nexus

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/nexusd/pkg/blockdev"
	"github.com/marmos91/nexusd/pkg/rebuild"
)

// ChildState is a child's position in its state machine.
type ChildState int

const (
	ChildInit ChildState = iota
	ChildOpen
	ChildClosed
	ChildDegraded
	ChildFaulted
	ChildRetired
)

func (s ChildState) String() string {
	switch s {
	case ChildInit:
		return "Init"
	case ChildOpen:
		return "Open"
	case ChildClosed:
		return "Closed"
	case ChildDegraded:
		return "Degraded"
	case ChildFaulted:
		return "Faulted"
	case ChildRetired:
		return "Retired"
	default:
		return fmt.Sprintf("ChildState(%d)", int(s))
	}
}

// FaultReason names why a child was faulted.
type FaultReason string

const (
	ReasonUnknown  FaultReason = "Unknown"
	ReasonIoError  FaultReason = "IoError"
	ReasonTimeout  FaultReason = "Timeout"
	ReasonRemoved  FaultReason = "Removed"
	ReasonExplicit FaultReason = "Explicit"
)

// retryWindow is the length of the cold-reopen grace period: an Open
// child faulted by a retryable cause gets one reopen within this window
// before the fault becomes permanent for the rest of it.
const retryWindow = 30 * time.Second

// Child is a block device attached to a nexus.
type Child struct {
	mu sync.RWMutex

	uri      string
	startLBA uint64
	endLBA   uint64

	state       ChildState
	faultReason FaultReason

	desc   *blockdev.Descriptor
	handle *blockdev.Handle

	// dirtyMap tracks writes the nexus issued while this child was absent
	// or faulted, so a later reattach rebuild can be partial rather than
	// full.
	dirtyMap *rebuild.SegmentMap

	retryWindowStart time.Time
	retriedInWindow  bool
}

// URI returns the child's device URI.
func (c *Child) URI() string { return c.uri }

// State returns the child's current state.
func (c *Child) State() ChildState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// FaultReason returns the reason the child was last faulted, or "" if it
// has never been faulted.
func (c *Child) FaultReason() FaultReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.faultReason
}

// Handle returns the child's I/O handle.
func (c *Child) Handle() *blockdev.Handle { return c.handle }

// ReadAt reads from the child's device.
func (c *Child) ReadAt(offset uint64, buf []byte) error {
	return c.handle.ReadAt(offset, buf)
}

// WriteAt writes to the child's device.
func (c *Child) WriteAt(offset uint64, buf []byte) error {
	return c.handle.WriteAt(offset, buf)
}

// isRetryable reports whether reason permits the one-time cold-reopen
// policy: anything other than a detected device-removal event is
// retryable.
func isRetryable(reason FaultReason) bool {
	return reason != ReasonRemoved
}

// canRetryNow reports whether the child may be cold-reopened instead of
// permanently faulted, and records the attempt. Must be called with c.mu
// held.
func (c *Child) canRetryNow(reason FaultReason) bool {
	if !isRetryable(reason) {
		return false
	}

	now := time.Now()
	if c.retryWindowStart.IsZero() || now.Sub(c.retryWindowStart) > retryWindow {
		c.retryWindowStart = now
		c.retriedInWindow = false
	}
	if c.retriedInWindow {
		return false
	}
	c.retriedInWindow = true
	return true
}

// markDirty records offset/len as written while this child was not Open,
// for a future partial rebuild. segBlocks/blockLen describe the nexus's
// rebuild segmentation.
func (c *Child) markDirty(offset, length uint64, blockLen uint32, segBlocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dirtyMap == nil {
		total := (c.endLBA - c.startLBA)
		nSegs := (total + segBlocks - 1) / segBlocks
		c.dirtyMap = rebuild.NewSegmentMap(nSegs, false)
	}

	segLen := segBlocks * uint64(blockLen)
	first := offset / segLen
	last := (offset + length - 1) / segLen
	for i := first; i <= last; i++ {
		c.dirtyMap.MarkDirty(i)
	}
}
