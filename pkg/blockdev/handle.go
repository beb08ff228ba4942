package blockdev

import (
	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// Handle is a Descriptor bound to an I/O channel. All read/write/management
// operations live here; Descriptor only manages open/close/claim
// lifecycle.
type Handle struct {
	descriptor *Descriptor
}

// Device returns the device this handle issues I/O against.
func (h *Handle) Device() *Device {
	return h.descriptor.device
}

func (h *Handle) requireSupport(t IOType) error {
	if !h.descriptor.device.Supports(t) {
		return nexuserr.Unsupportedf("device %s does not support %s", h.descriptor.device.Name, t)
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at offset into buf. offset and
// len(buf) must be multiples of the device's block length and the range
// must not run past the device's capacity.
func (h *Handle) ReadAt(offset uint64, buf []byte) error {
	if err := h.requireSupport(IORead); err != nil {
		return err
	}
	if err := checkAligned(h.descriptor.device, h.descriptor.device.Name, offset, uint64(len(buf))); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return h.descriptor.backend.readAt(offset, buf)
}

// WriteAt writes buf at offset. A zero-length buf is a no-op that
// succeeds.
func (h *Handle) WriteAt(offset uint64, buf []byte) error {
	if err := h.requireSupport(IOWrite); err != nil {
		return err
	}
	if err := checkAligned(h.descriptor.device, h.descriptor.device.Name, offset, uint64(len(buf))); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return h.descriptor.backend.writeAt(offset, buf)
}

// WriteZeroesAt zeroes [offset, offset+length) without transferring any
// data, if the device advertises IOWriteZeroes.
func (h *Handle) WriteZeroesAt(offset, length uint64) error {
	if err := h.requireSupport(IOWriteZeroes); err != nil {
		return err
	}
	if err := checkAligned(h.descriptor.device, h.descriptor.device.Name, offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return h.descriptor.backend.writeZeroesAt(offset, length)
}

// Unmap releases [offset, offset+length) back to the backend, if the
// device advertises IOUnmap.
func (h *Handle) Unmap(offset, length uint64) error {
	if err := h.requireSupport(IOUnmap); err != nil {
		return err
	}
	if err := checkAligned(h.descriptor.device, h.descriptor.device.Name, offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return h.descriptor.backend.unmap(offset, length)
}

// Flush forces any buffered writes to durable storage, if the device
// advertises IOFlush.
func (h *Handle) Flush() error {
	if err := h.requireSupport(IOFlush); err != nil {
		return err
	}
	return h.descriptor.backend.flush()
}

// Reset performs a backend-defined controller/device reset, if the device
// advertises IOReset.
func (h *Handle) Reset() error {
	if err := h.requireSupport(IOReset); err != nil {
		return err
	}
	return h.descriptor.backend.reset()
}
