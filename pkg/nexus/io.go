package nexus

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/marmos91/nexusd/pkg/rangelock"
)

// segBlocksForDirty returns the segmentation unit used to size a Faulted
// child's dirty bitmap; it mirrors the rebuild job's own SegmentBlocks so a
// later partial rebuild walks the same granularity the write path recorded.
func (n *Nexus) segBlocksForDirty() uint64 {
	if n.cfg.SegmentBlocks == 0 {
		return 256
	}
	return n.cfg.SegmentBlocks
}

// checkBounds validates offset/len against the nexus's own logical
// address space (offset+len must not exceed size). This never faults a
// child: an out-of-range request is the caller's mistake, not a device
// failure.
func (n *Nexus) checkBounds(offset, length uint64) error {
	if length == 0 {
		return nil
	}
	if offset+length > n.SizeBytes() {
		return nexuserr.InvalidArgumentf("range [%d,%d) exceeds nexus size %d", offset, offset+length, n.SizeBytes())
	}
	return nil
}

// waitIfPaused blocks a foreground I/O while the nexus is paused for child
// reconfiguration, returning early if ctx expires first.
func (n *Nexus) waitIfPaused(ctx context.Context) error {
	n.pauseMu.Lock()
	ch := n.pauseCh
	n.pauseMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchIO runs fn through the nexus's wired reactor dispatcher, if
// any, otherwise inline on the calling goroutine.
func (n *Nexus) dispatchIO(ctx context.Context, fn func() error) error {
	n.mu.RLock()
	d := n.dispatch
	n.mu.RUnlock()

	if d == nil {
		return fn()
	}
	done, err := d(func(ctx context.Context) error { return fn() })
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadAt reads len(buf) bytes at offset from a single healthy child,
// retrying against the next healthy child on failure. Reads are never
// fanned out.
func (n *Nexus) ReadAt(ctx context.Context, offset uint64, buf []byte) error {
	if n.State() == NexusFaulted {
		return nexuserr.Faultedf(n.name, "nexus has no healthy children")
	}
	if len(buf) == 0 {
		return nil
	}
	if err := n.checkBounds(offset, uint64(len(buf))); err != nil {
		return err
	}
	if err := n.waitIfPaused(ctx); err != nil {
		return err
	}

	owner := rangelock.Owner(fmt.Sprintf("io:read:%p", buf))
	lock := rangelock.Lock{Owner: owner, Offset: offset, Length: uint64(len(buf))}
	if err := n.locks.LockWait(ctx, n.name, lock); err != nil {
		return err
	}
	defer func() { _ = n.locks.Unlock(n.name, owner, offset, uint64(len(buf))) }()

	children := n.Children()
	var lastErr error
	for _, c := range children {
		if c.State() != ChildOpen {
			continue
		}
		if err := n.dispatchIO(ctx, func() error { return c.ReadAt(offset, buf) }); err != nil {
			lastErr = err
			logger.Warn("read failed, trying next child", logger.Nexus(n.name), logger.Child(c.URI()), logger.Err(err))
			_ = n.faultChild(c.URI(), ReasonIoError, false)
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = nexuserr.Faultedf(n.name, "no healthy children available for read")
	}
	return nexuserr.IoErrorf(n.name, lastErr)
}

// WriteAt writes buf at offset to every Open and Degraded child in
// parallel. A failure on a Degraded child is swallowed: the child is
// faulted and the write still succeeds. A failure on an Open child fails
// the whole write unless at least one other Open child accepted it, in
// which case the failing child is faulted instead. A child already
// Faulted receives no sub-I/O; the range it would have touched is
// recorded on its dirty map so a later rebuild can recover just what it
// missed. The write takes a shared range lock: foreground writes hold
// shared locks, only a rebuild segment copy takes the exclusive lock that
// blocks them.
func (n *Nexus) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	if n.State() == NexusFaulted {
		return nexuserr.Faultedf(n.name, "nexus has no healthy children")
	}
	if len(buf) == 0 {
		return nil
	}
	if err := n.checkBounds(offset, uint64(len(buf))); err != nil {
		return err
	}
	if err := n.waitIfPaused(ctx); err != nil {
		return err
	}

	owner := rangelock.Owner(fmt.Sprintf("io:write:%p", buf))
	lock := rangelock.Lock{Owner: owner, Offset: offset, Length: uint64(len(buf))}
	if err := n.locks.LockWait(ctx, n.name, lock); err != nil {
		return err
	}
	defer func() { _ = n.locks.Unlock(n.name, owner, offset, uint64(len(buf))) }()

	children := n.Children()
	blockLen := n.BlockLen()
	segBlocks := n.segBlocksForDirty()

	type writeResult struct {
		child *Child
		state ChildState
		err   error
	}
	results := make(chan writeResult, len(children))
	var wg sync.WaitGroup

	for _, c := range children {
		switch c.State() {
		case ChildOpen, ChildDegraded:
			wg.Add(1)
			go func(c *Child, state ChildState) {
				defer wg.Done()
				err := n.dispatchIO(ctx, func() error { return c.WriteAt(offset, buf) })
				results <- writeResult{child: c, state: state, err: err}
			}(c, c.State())
		case ChildFaulted:
			c.markDirty(offset, uint64(len(buf)), blockLen, segBlocks)
		default:
			// Closed, Retired, Init children never receive I/O.
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	openSucceeded, openTotal := 0, 0
	var lastErr error
	for res := range results {
		switch res.state {
		case ChildOpen:
			openTotal++
			if res.err != nil {
				lastErr = res.err
				logger.Warn("write failed, faulting child", logger.Nexus(n.name), logger.Child(res.child.URI()), logger.Err(res.err))
				_ = n.faultChild(res.child.URI(), ReasonIoError, false)
				continue
			}
			openSucceeded++
		case ChildDegraded:
			if res.err != nil {
				logger.Warn("degraded write failed, faulting child", logger.Nexus(n.name), logger.Child(res.child.URI()), logger.Err(res.err))
				_ = n.faultChild(res.child.URI(), ReasonIoError, false)
			}
		}
	}

	if openTotal > 0 && openSucceeded == 0 {
		if lastErr == nil {
			lastErr = nexuserr.Faultedf(n.name, "no healthy children available for write")
		}
		return nexuserr.IoErrorf(n.name, lastErr)
	}
	return nil
}
