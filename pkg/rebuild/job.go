package rebuild

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/dma"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/marmos91/nexusd/pkg/rangelock"
	"golang.org/x/sync/errgroup"
)

// Reader reads blocks from the rebuild source.
type Reader interface {
	ReadAt(offset uint64, buf []byte) error
}

// Writer writes blocks to the rebuild destination.
type Writer interface {
	WriteAt(offset uint64, buf []byte) error
}

// RangeLocker is the subset of *rangelock.Manager a Job needs to serialize
// its segment copies against foreground I/O. *rangelock.Manager satisfies
// this directly.
type RangeLocker interface {
	LockWait(ctx context.Context, nexus string, lock rangelock.Lock) error
	Unlock(nexus string, owner rangelock.Owner, offset, length uint64) error
}

// Dispatcher schedules fn to run on a reactor and returns its completion
// channel: a rebuild segment copy's reads and writes are
// device-manipulating futures, and those belong on a reactor.
// (*reactor.Runtime).RunOnPrimary satisfies this signature as a bound
// method value; SpawnOnReactor takes a core index first, so it needs a
// closure that binds the core.
type Dispatcher func(fn func(ctx context.Context) error) (<-chan error, error)

// Config describes one (nexus, destination child) rebuild.
type Config struct {
	NexusName string
	SrcURI    string
	DstURI    string

	// TotalBlocks is the number of logical blocks to rebuild,
	// [0, TotalBlocks) in the nexus's address space.
	TotalBlocks uint64
	BlockLen    uint32

	// SegmentBlocks is the fixed per-task copy unit, counted in blocks of
	// BlockLen bytes.
	SegmentBlocks uint64

	// TaskCount is the number of concurrent segment-copy tasks.
	TaskCount int

	Src    Reader
	Dst    Writer
	Locks  RangeLocker
	Buffer *dma.Pool // optional; a job allocates its own plain buffers if nil

	// Dispatch, if set, runs every segment's source read and destination
	// write through a reactor instead of directly on the task goroutine.
	// Optional; nil runs them inline, which is how every existing unit
	// test exercises Job today.
	Dispatch Dispatcher
}

// Job is one rebuild of a destination child from a source child.
type Job struct {
	cfg Config

	mu        sync.RWMutex
	state     State
	startTime time.Time
	endTime   time.Time
	firstErr  error

	segMap      *SegmentMap
	isPartial   bool
	nextClaim   atomic.Uint64
	segsDone    atomic.Uint64
	tasksActive atomic.Int32

	stopRequested atomic.Bool
	pauseCh       chan struct{} // closed while not paused; reset to a fresh open channel on Pause
	pauseMu       sync.Mutex

	onTerminal func(*Job, State, Stats)
}

// NewJob constructs a rebuild job over cfg. dirty is the partial-rebuild
// segment map (non-nil means only dirty segments are transferred); pass
// nil for a full rebuild of the whole range.
func NewJob(cfg Config, dirty *SegmentMap) *Job {
	nSegs := (cfg.TotalBlocks + cfg.SegmentBlocks - 1) / cfg.SegmentBlocks

	var segMap *SegmentMap
	isPartial := dirty != nil
	if isPartial {
		segMap = dirty
	} else {
		segMap = NewSegmentMap(nSegs, true)
	}

	j := &Job{
		cfg:       cfg,
		state:     Init,
		segMap:    segMap,
		isPartial: isPartial,
		pauseCh:   make(chan struct{}),
	}
	close(j.pauseCh) // not paused initially
	return j
}

// OnTerminal registers a callback invoked exactly once when the job
// reaches a terminal state, so pkg/nexus can flip the destination child's
// state machine without this package importing it.
func (j *Job) OnTerminal(f func(job *Job, state State, stats Stats)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onTerminal = f
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Err returns the first task error that failed the job, or nil if it has
// not failed.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.firstErr
}

// DstURI returns the destination child URI this job is rebuilding.
func (j *Job) DstURI() string { return j.cfg.DstURI }

// SrcURI returns the source child URI this job rebuilds from.
func (j *Job) SrcURI() string { return j.cfg.SrcURI }

// IsPartial reports whether this job only transfers dirty segments.
func (j *Job) IsPartial() bool { return j.isPartial }

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Stats returns a snapshot of the job's current progress.
func (j *Job) Stats() Stats {
	j.mu.RLock()
	start := j.startTime
	j.mu.RUnlock()

	total := j.segMap.NumSegments() * j.cfg.SegmentBlocks
	done := j.segsDone.Load() * j.cfg.SegmentBlocks
	dirtyRemaining := j.segMap.CountDirtyBlks() * j.cfg.SegmentBlocks

	var progress float64
	if total > 0 {
		progress = float64(done) / float64(total) * 100
	}

	return Stats{
		BlocksTotal:       total,
		BlocksRecovered:   done,
		BlocksTransferred: done,
		BlocksRemaining:   dirtyRemaining,
		Progress:          progress,
		BlocksPerTask:     j.cfg.SegmentBlocks,
		BlockSize:         uint64(j.cfg.BlockLen),
		TasksTotal:        j.cfg.TaskCount,
		TasksActive:       int(j.tasksActive.Load()),
		StartTime:         start,
		IsPartial:         j.isPartial,
	}
}

// Run drives the job to a terminal state: it dispatches up to TaskCount
// concurrent segment-copy goroutines (via errgroup.Group.SetLimit, the
// ecosystem-standard bounded-concurrency primitive) and blocks until every
// claimed segment has been copied, the job is stopped, or a task fails.
func (j *Job) Run(ctx context.Context) error {
	if j.State() != Init {
		return nexuserr.WrongStatef(j.cfg.DstURI, "rebuild already %s", j.State())
	}

	j.mu.Lock()
	j.startTime = time.Now()
	j.mu.Unlock()
	j.setState(Running)
	logger.Info("rebuild started", logger.Nexus(j.cfg.NexusName), logger.Child(j.cfg.DstURI), logger.Partial(j.isPartial))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.TaskCount)

	for {
		if j.stopRequested.Load() {
			break
		}
		j.waitIfPaused(gctx)

		idx, ok := j.segMap.nextDirtyFrom(j.nextClaim.Load())
		if !ok {
			break
		}
		j.nextClaim.Store(idx + 1)

		g.Go(func() error {
			j.tasksActive.Add(1)
			defer j.tasksActive.Add(-1)
			return j.runSegment(gctx, idx)
		})
	}

	err := g.Wait()

	j.mu.Lock()
	j.endTime = time.Now()
	if err != nil && j.firstErr == nil {
		j.firstErr = err
	}
	j.mu.Unlock()

	var final State
	switch {
	case err != nil:
		final = Failed
	case j.stopRequested.Load():
		final = Stopped
	default:
		final = Completed
	}
	j.setState(final)

	stats := j.Stats()
	logger.Info("rebuild finished", logger.Nexus(j.cfg.NexusName), logger.Child(j.cfg.DstURI),
		logger.State(final.String()), logger.Progress(stats.Progress))

	j.mu.RLock()
	cb := j.onTerminal
	j.mu.RUnlock()
	if cb != nil {
		cb(j, final, stats)
	}

	if err != nil {
		return err
	}
	return nil
}

// runSegment copies one segment: exclusive range lock, read from source,
// write to destination, clear its dirty bit, release the lock.
func (j *Job) runSegment(ctx context.Context, idx uint64) error {
	segLen := j.cfg.SegmentBlocks * uint64(j.cfg.BlockLen)
	offset := idx * segLen
	total := j.cfg.TotalBlocks * uint64(j.cfg.BlockLen)
	if offset+segLen > total {
		segLen = total - offset
	}

	owner := rangelock.Owner(fmt.Sprintf("rebuild:%s:%d", j.cfg.DstURI, idx))
	lock := rangelock.Lock{Owner: owner, Offset: offset, Length: segLen, Exclusive: true}

	if err := j.cfg.Locks.LockWait(ctx, j.cfg.NexusName, lock); err != nil {
		return err
	}
	defer func() { _ = j.cfg.Locks.Unlock(j.cfg.NexusName, owner, offset, segLen) }()

	buf, release := j.acquireBuffer(int(segLen))
	defer release()

	if err := j.dispatchIO(ctx, func() error { return j.cfg.Src.ReadAt(offset, buf) }); err != nil {
		return fmt.Errorf("rebuild: read segment %d from %s: %w", idx, j.cfg.SrcURI, err)
	}
	if err := j.dispatchIO(ctx, func() error { return j.cfg.Dst.WriteAt(offset, buf) }); err != nil {
		return fmt.Errorf("rebuild: write segment %d to %s: %w", idx, j.cfg.DstURI, err)
	}

	j.segMap.MarkClean(idx)
	j.segsDone.Add(1)
	logger.Debug("rebuild segment done", logger.Nexus(j.cfg.NexusName), logger.Child(j.cfg.DstURI), logger.Segment(idx))
	return nil
}

// dispatchIO runs fn through cfg.Dispatch when one is wired, otherwise
// inline on the calling goroutine.
func (j *Job) dispatchIO(ctx context.Context, fn func() error) error {
	if j.cfg.Dispatch == nil {
		return fn()
	}
	done, err := j.cfg.Dispatch(func(ctx context.Context) error { return fn() })
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

func (j *Job) acquireBuffer(size int) (buf []byte, release func()) {
	if j.cfg.Buffer == nil {
		return make([]byte, size), func() {}
	}
	b, err := j.cfg.Buffer.New(size, int(j.cfg.BlockLen))
	if err != nil {
		return make([]byte, size), func() {}
	}
	return b.AsMutSlice(), b.Release
}

// waitIfPaused blocks the claiming loop while the job is paused.
func (j *Job) waitIfPaused(ctx context.Context) {
	j.pauseMu.Lock()
	ch := j.pauseCh
	j.pauseMu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// Pause halts dispatch of new segments without cancelling in-flight
// tasks.
func (j *Job) Pause() {
	j.pauseMu.Lock()
	defer j.pauseMu.Unlock()

	select {
	case <-j.pauseCh:
		j.pauseCh = make(chan struct{})
	default:
		// already paused
	}
	j.setState(Paused)
}

// Resume resumes dispatch after Pause.
func (j *Job) Resume() {
	j.pauseMu.Lock()
	defer j.pauseMu.Unlock()

	select {
	case <-j.pauseCh:
		// already resumed
	default:
		close(j.pauseCh)
	}
	if j.State() == Paused {
		j.setState(Running)
	}
}

// Stop moves the job to Stopping; in-flight tasks finish their current
// segment and the claiming loop exits without starting new ones.
func (j *Job) Stop() {
	j.stopRequested.Store(true)
	j.setState(Stopping)
	j.Resume() // unblock the claim loop if paused so it can observe the stop
}
