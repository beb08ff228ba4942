// Package blockdev implements the block-device abstraction shared by every
// backend the engine can open: local files (aio://), in-memory test
// backends (bdev://), and remote replicas reached over NVMe-oF
// (nvmf://host:port/<nqn>, wired by pkg/nvmf).
//
// The abstraction has three participants, matching how the rest of the
// engine composes them: a Device is immutable metadata, a Descriptor is an
// open handle that may hold the device's exclusive-write claim, and a
// Handle binds a Descriptor to a per-reactor I/O channel for actually
// issuing reads and writes.
package blockdev

import (
	"fmt"

	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// IOType enumerates the operations a backend may or may not support.
type IOType int

const (
	IORead IOType = iota
	IOWrite
	IOWriteZeroes
	IOUnmap
	IOFlush
	IOReset
)

func (t IOType) String() string {
	switch t {
	case IORead:
		return "read"
	case IOWrite:
		return "write"
	case IOWriteZeroes:
		return "write_zeroes"
	case IOUnmap:
		return "unmap"
	case IOFlush:
		return "flush"
	case IOReset:
		return "reset"
	default:
		return fmt.Sprintf("io_type(%d)", int(t))
	}
}

// Device is the immutable metadata describing a block device. It is safe
// to read concurrently and shared by every Descriptor opened against it.
type Device struct {
	// Name is the device's short name, unique within the engine.
	Name string

	// URI is the canonical address this device was opened from
	// (bdev:///<name>?uuid=<uuid>, aio:///<path>?blk_size=<n>, or
	// nvmf://host:port/<nqn>).
	URI string

	// UUID identifies the device across renames and re-opens.
	UUID string

	// BlockLen is the logical block length in bytes; always a power of two.
	BlockLen uint32

	// NumBlocks is the device's capacity expressed in BlockLen units.
	NumBlocks uint64

	// Product and Driver name the backend implementation, surfaced to
	// operators for diagnostics.
	Product string
	Driver  string

	// Align is the required DMA buffer alignment for this device, in
	// bytes; always a power of two no smaller than BlockLen.
	Align uint32

	// SupportedIOTypes is the set of IOType values this device advertises.
	SupportedIOTypes map[IOType]bool

	claimedBy string
}

// SizeBytes returns BlockLen * NumBlocks.
func (d *Device) SizeBytes() uint64 {
	return uint64(d.BlockLen) * d.NumBlocks
}

// Supports reports whether the device advertises support for t.
func (d *Device) Supports(t IOType) bool {
	return d.SupportedIOTypes[t]
}

// ClaimedBy returns the current exclusive-write claim owner, or "" if the
// device is unclaimed.
func (d *Device) ClaimedBy() string {
	return d.claimedBy
}

// checkAligned validates the block-alignment contract shared by every
// offset/length-taking operation: both must be multiples of BlockLen, and
// the range must not run past the device's capacity.
func checkAligned(d *Device, resource string, offset, length uint64) error {
	if d.BlockLen == 0 {
		return nexuserr.Internalf("device %s has zero block length", d.Name)
	}
	if offset%uint64(d.BlockLen) != 0 {
		return nexuserr.InvalidArgumentf("offset %d is not a multiple of block length %d", offset, d.BlockLen)
	}
	if length%uint64(d.BlockLen) != 0 {
		return nexuserr.InvalidArgumentf("length %d is not a multiple of block length %d", length, d.BlockLen)
	}
	if offset+length > d.SizeBytes() {
		return nexuserr.NewResource(nexuserr.InvalidArgument, resource,
			fmt.Sprintf("range [%d,%d) exceeds device size %d", offset, offset+length, d.SizeBytes()))
	}
	return nil
}
