package nexus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/blockdev"
	"github.com/marmos91/nexusd/pkg/dma"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/marmos91/nexusd/pkg/nvmf"
	"github.com/marmos91/nexusd/pkg/rangelock"
	"github.com/marmos91/nexusd/pkg/rebuild"
)

// State is the nexus's own lifecycle state. Faulted is terminal: it is
// entered only when every child has faulted.
type State int

const (
	NexusOpen State = iota
	NexusFaulted
)

func (s State) String() string {
	if s == NexusFaulted {
		return "Faulted"
	}
	return "Open"
}

// Config tunes the rebuild engine a nexus schedules jobs against.
// Mirrors pkg/config.RebuildConfig.
type Config struct {
	SegmentBlocks uint64
	TaskCount     int
	HistoryLimit  int
}

// Nexus is a replicated virtual block device backed by an ordered list
// of children.
type Nexus struct {
	mu sync.RWMutex

	name      string
	uuid      string
	sizeBytes uint64
	blockLen  uint32

	children []*Child
	state    State

	shareProtocol nvmf.ShareProps
	shareURI      string
	shared        bool

	paused  bool
	pauseCh chan struct{} // closed while not paused; swapped for a fresh open channel on Pause
	pauseMu sync.Mutex

	cfg      Config
	registry *blockdev.Registry
	nvmfReg  *nvmf.Registry
	locks    *rangelock.Manager
	buffer   *dma.Pool          // optional; nil falls back to plain allocation in pkg/rebuild
	dispatch rebuild.Dispatcher // optional; nil runs child I/O inline on the caller's goroutine

	jobs    map[string]*rebuild.Job // dst URI -> active job
	history *rebuild.History
}

// SetBuffer wires a DMA buffer pool that rebuild jobs draw read/write
// buffers from. Optional; without it rebuild falls back to plain heap
// allocation.
func (n *Nexus) SetBuffer(pool *dma.Pool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buffer = pool
}

// SetDispatcher wires a reactor dispatch function that every per-child
// I/O and rebuild segment copy for this nexus is run through instead of
// directly on the caller's goroutine, keeping device-manipulating futures
// on a reactor. (*reactor.Runtime).RunOnPrimary or a core-bound
// .SpawnOnReactor satisfy this directly. Optional; without it I/O runs
// inline, which is how the unit tests exercise the nexus.
func (n *Nexus) SetDispatcher(d rebuild.Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatch = d
}

// Name returns the nexus's name.
func (n *Nexus) Name() string { return n.name }

// UUID returns the nexus's UUID.
func (n *Nexus) UUID() string { return n.uuid }

// SizeBytes returns the nexus's logical size.
func (n *Nexus) SizeBytes() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sizeBytes
}

// BlockLen returns the nexus's logical block length; all children must
// share it.
func (n *Nexus) BlockLen() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.blockLen
}

// State returns the nexus's own lifecycle state.
func (n *Nexus) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Children returns a snapshot of the nexus's children in list order.
func (n *Nexus) Children() []*Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Child, len(n.children))
	copy(out, n.children)
	return out
}

// Create opens every child, verifies size/block-length compatibility, and
// returns a new nexus with all children Open.
func Create(registry *blockdev.Registry, nvmfReg *nvmf.Registry, cfg Config, name string, size uint64, nexusUUID string, childURIs []string) (*Nexus, error) {
	if len(childURIs) == 0 {
		return nil, nexuserr.InvalidArgumentf("nexus %s: at least one child is required", name)
	}
	if nexusUUID == "" {
		nexusUUID = uuid.New().String()
	}

	n := &Nexus{
		name:     name,
		uuid:     nexusUUID,
		registry: registry,
		nvmfReg:  nvmfReg,
		locks:    rangelock.NewManager(),
		cfg:      cfg,
		jobs:     make(map[string]*rebuild.Job),
		history:  rebuild.NewHistory(cfg.HistoryLimit),
		state:    NexusOpen,
		pauseCh:  make(chan struct{}),
	}
	close(n.pauseCh) // not paused initially

	var blockLen uint32
	children := make([]*Child, 0, len(childURIs))
	for _, uri := range childURIs {
		child, err := n.openChild(uri)
		if err != nil {
			for _, c := range children {
				_ = c.desc.Close()
			}
			return nil, err
		}
		if blockLen == 0 {
			blockLen = child.desc.Device().BlockLen
		} else if child.desc.Device().BlockLen != blockLen {
			for _, c := range append(children, child) {
				_ = c.desc.Close()
			}
			return nil, nexuserr.InvalidArgumentf("child %s block length differs from nexus", uri)
		}
		if child.desc.Device().SizeBytes() < size {
			for _, c := range append(children, child) {
				_ = c.desc.Close()
			}
			return nil, nexuserr.InvalidArgumentf("child %s usable size is smaller than nexus size %d", uri, size)
		}
		child.state = ChildOpen
		child.startLBA = 0
		child.endLBA = size / uint64(blockLen)
		children = append(children, child)
	}

	n.blockLen = blockLen
	n.sizeBytes = size
	n.children = children

	logger.Info("nexus created", logger.Nexus(name), logger.UUID(nexusUUID))
	return n, nil
}

func (n *Nexus) openChild(uri string) (*Child, error) {
	desc, err := n.registry.Open(uri)
	if err != nil {
		return nil, err
	}
	if err := desc.Claim(fmt.Sprintf("nexus:%s", n.name)); err != nil {
		_ = desc.Close()
		return nil, err
	}
	return &Child{
		uri:    uri,
		desc:   desc,
		handle: desc.GetIOHandle(),
		state:  ChildInit,
	}, nil
}

// openHealthyCount returns how many children are currently Open.
func (n *Nexus) openHealthyCount() int {
	count := 0
	for _, c := range n.children {
		if c.State() == ChildOpen {
			count++
		}
	}
	return count
}

// AddChild attaches uri and appends it in Degraded state; a child added
// to a live nexus never enters Open directly, only through a completed
// rebuild. If uri names a child this nexus already carries in Faulted
// state, it is reattached in place, keeping the dirty map it accumulated
// while absent so the rebuild below can be partial. If norebuild is
// false, a rebuild job from the first healthy child is scheduled.
func (n *Nexus) AddChild(ctx context.Context, uri string, norebuild bool) error {
	n.mu.Lock()
	if n.state == NexusFaulted {
		n.mu.Unlock()
		return nexuserr.Faultedf(n.name, "nexus has no healthy children")
	}
	existing, _ := n.findChildLocked(uri)
	n.mu.Unlock()

	var child *Child
	if existing != nil {
		if existing.State() != ChildFaulted {
			return nexuserr.AlreadyExistsf(uri, "child already attached to nexus %s", n.name)
		}
		child = existing
		child.mu.Lock()
		child.state = ChildDegraded
		child.faultReason = ""
		child.mu.Unlock()
	} else {
		var err error
		child, err = n.openChild(uri)
		if err != nil {
			return err
		}
		if child.desc.Device().BlockLen != n.BlockLen() {
			_ = child.desc.Close()
			return nexuserr.InvalidArgumentf("child %s block length differs from nexus", uri)
		}
		if child.desc.Device().SizeBytes() < n.SizeBytes() {
			_ = child.desc.Close()
			return nexuserr.InvalidArgumentf("child %s usable size is smaller than nexus size", uri)
		}
		child.state = ChildDegraded
		child.startLBA = 0
		child.endLBA = n.SizeBytes() / uint64(n.BlockLen())

		n.mu.Lock()
		n.children = append(n.children, child)
		n.mu.Unlock()
	}

	logger.Info("child added", logger.Nexus(n.name), logger.Child(uri), logger.State(ChildDegraded.String()))

	if !norebuild {
		return n.startRebuild(ctx, child)
	}
	return nil
}

// RemoveChild retires uri and detaches it from the children list, so the
// same URI can later be attached again with AddChild (which re-inserts it
// Degraded, never Open). It fails if uri is the only healthy child. Any
// rebuild targeting the child is stopped first.
func (n *Nexus) RemoveChild(uri string) error {
	n.mu.Lock()
	child, idx := n.findChildLocked(uri)
	if child == nil {
		n.mu.Unlock()
		return nexuserr.NotFoundf(uri, "no such child on nexus %s", n.name)
	}

	if child.State() == ChildOpen && n.openHealthyCount() <= 1 {
		n.mu.Unlock()
		return nexuserr.WrongStatef(uri, "cannot remove the last healthy child")
	}

	job := n.jobs[uri]
	n.children = append(n.children[:idx], n.children[idx+1:]...)
	n.mu.Unlock()

	if job != nil {
		job.Stop()
	}

	child.mu.Lock()
	child.state = ChildRetired
	child.mu.Unlock()

	child.desc.Unclaim(fmt.Sprintf("nexus:%s", n.name))
	_ = child.desc.Close()
	n.locks.RemoveOwner(rangelock.Owner(fmt.Sprintf("rebuild:%s", uri)))
	logger.Info("child removed", logger.Nexus(n.name), logger.Child(uri))
	return nil
}

// FaultChild explicitly faults uri with an operator-supplied reason. It
// fails with WrongState (and leaves the child Open) if doing so would
// leave the nexus with zero healthy children.
func (n *Nexus) FaultChild(uri string, reason FaultReason) error {
	return n.faultChild(uri, reason, true)
}

func (n *Nexus) faultChild(uri string, reason FaultReason, explicit bool) error {
	n.mu.Lock()
	child, _ := n.findChildLocked(uri)
	if child == nil {
		n.mu.Unlock()
		return nexuserr.NotFoundf(uri, "no such child on nexus %s", n.name)
	}

	if child.State() == ChildOpen && n.openHealthyCount() <= 1 {
		n.mu.Unlock()
		return nexuserr.WrongStatef(uri, "refusing to fault the last healthy child")
	}
	n.mu.Unlock()

	child.mu.Lock()
	prevState := child.state
	retry := prevState == ChildOpen && !explicit && child.canRetryNow(reason)
	child.state = ChildFaulted
	child.faultReason = reason
	child.mu.Unlock()

	logger.Warn("child faulted", logger.Nexus(n.name), logger.Child(uri), logger.Reason(string(reason)))

	if retry {
		if err := child.desc.Claim(fmt.Sprintf("nexus:%s", n.name)); err == nil {
			child.mu.Lock()
			child.state = ChildOpen
			child.faultReason = ""
			child.mu.Unlock()
			logger.Info("child reopened after transient fault", logger.Nexus(n.name), logger.Child(uri))
			return nil
		}
	}

	n.checkAllFaulted()
	return nil
}

func (n *Nexus) checkAllFaulted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.openHealthyCount() == 0 {
		n.state = NexusFaulted
		logger.Error("nexus faulted: no healthy children remain", logger.Nexus(n.name))
	}
}

func (n *Nexus) findChildLocked(uri string) (*Child, int) {
	for i, c := range n.children {
		if c.uri == uri {
			return c, i
		}
	}
	return nil, -1
}

// Pause quiesces the nexus: new foreground I/O blocks until Resume, and
// every in-flight rebuild job targeting it is paused too. Sub-I/Os
// already dispatched are not cancelled.
func (n *Nexus) Pause() {
	n.pauseMu.Lock()
	defer n.pauseMu.Unlock()

	if !n.paused {
		n.pauseCh = make(chan struct{})
	}
	n.paused = true
	n.mu.RLock()
	jobs := make([]*rebuild.Job, 0, len(n.jobs))
	for _, j := range n.jobs {
		jobs = append(jobs, j)
	}
	n.mu.RUnlock()

	for _, j := range jobs {
		j.Pause()
	}
	logger.Info("nexus paused", logger.Nexus(n.name))
}

// Resume resumes I/O and every rebuild job of the nexus. The jobs are read
// from a map, so the order they are resumed in is not defined.
func (n *Nexus) Resume() {
	n.pauseMu.Lock()
	defer n.pauseMu.Unlock()

	n.mu.RLock()
	jobs := make([]*rebuild.Job, 0, len(n.jobs))
	for _, j := range n.jobs {
		jobs = append(jobs, j)
	}
	n.mu.RUnlock()

	for i := len(jobs) - 1; i >= 0; i-- {
		jobs[i].Resume()
	}
	if n.paused {
		close(n.pauseCh)
	}
	n.paused = false
	logger.Info("nexus resumed", logger.Nexus(n.name))
}

// IsPaused reports whether the nexus is currently paused.
func (n *Nexus) IsPaused() bool {
	n.pauseMu.Lock()
	defer n.pauseMu.Unlock()
	return n.paused
}

// ShareNvmf exports the nexus over NVMe-oF. Idempotent.
func (n *Nexus) ShareNvmf(props nvmf.ShareProps) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	uri, err := n.nvmfReg.Share(n, props)
	if err != nil {
		return "", err
	}
	n.shared = true
	n.shareURI = uri
	n.shareProtocol = props
	return uri, nil
}

// Unshare stops exporting the nexus. Idempotent.
func (n *Nexus) Unshare() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.shared {
		return nil
	}
	if err := n.nvmfReg.Unshare(n.name); err != nil {
		return err
	}
	n.shared = false
	n.shareURI = ""
	return nil
}

// IsShared reports whether the nexus is currently exported.
func (n *Nexus) IsShared() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shared
}

// Destroy closes all children. It fails if the nexus is still shared.
func (n *Nexus) Destroy() error {
	n.mu.Lock()
	if n.shared {
		n.mu.Unlock()
		return nexuserr.WrongStatef(n.name, "nexus is still shared")
	}
	children := n.children
	n.children = nil
	n.mu.Unlock()

	for _, c := range children {
		c.desc.Unclaim(fmt.Sprintf("nexus:%s", n.name))
		_ = c.desc.Close()
	}
	n.locks.RemoveAll(n.name)
	logger.Info("nexus destroyed", logger.Nexus(n.name))
	return nil
}

// History returns the nexus's bounded rebuild history log.
func (n *Nexus) History() []rebuild.HistoryRecord {
	return n.history.List()
}

// ActiveJob returns the in-progress rebuild job for dstURI, or nil.
func (n *Nexus) ActiveJob(dstURI string) *rebuild.Job {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.jobs[dstURI]
}

// StartRebuild schedules a rebuild into the child at dstURI. The
// destination must be Degraded: starting a rebuild into a child that is
// already Open (or faulted out) is WrongState, and at most one rebuild may
// be active per destination child.
func (n *Nexus) StartRebuild(ctx context.Context, dstURI string) error {
	n.mu.RLock()
	child, _ := n.findChildLocked(dstURI)
	_, active := n.jobs[dstURI]
	n.mu.RUnlock()

	if child == nil {
		return nexuserr.NotFoundf(dstURI, "no such child on nexus %s", n.name)
	}
	if active {
		return nexuserr.WrongStatef(dstURI, "a rebuild is already running for this child")
	}
	if state := child.State(); state != ChildDegraded {
		return nexuserr.WrongStatef(dstURI, "child is %s, rebuild requires Degraded", state)
	}
	return n.startRebuild(ctx, child)
}

// activeJobOr returns the running rebuild job for dstURI or a NotFound
// error, shared by the Stop/Pause/Resume/Stats control operations.
func (n *Nexus) activeJobOr(dstURI string) (*rebuild.Job, error) {
	if job := n.ActiveJob(dstURI); job != nil {
		return job, nil
	}
	return nil, nexuserr.NotFoundf(dstURI, "no active rebuild on nexus %s", n.name)
}

// StopRebuild cancels the rebuild running for dstURI; in-flight segment
// copies drain before the job reaches Stopped.
func (n *Nexus) StopRebuild(dstURI string) error {
	job, err := n.activeJobOr(dstURI)
	if err != nil {
		return err
	}
	job.Stop()
	return nil
}

// PauseRebuild halts segment dispatch for dstURI's rebuild without
// cancelling it.
func (n *Nexus) PauseRebuild(dstURI string) error {
	job, err := n.activeJobOr(dstURI)
	if err != nil {
		return err
	}
	job.Pause()
	return nil
}

// ResumeRebuild resumes a rebuild paused by PauseRebuild.
func (n *Nexus) ResumeRebuild(dstURI string) error {
	job, err := n.activeJobOr(dstURI)
	if err != nil {
		return err
	}
	job.Resume()
	return nil
}

// RebuildStats returns a progress snapshot for dstURI's running rebuild.
func (n *Nexus) RebuildStats(dstURI string) (rebuild.Stats, error) {
	job, err := n.activeJobOr(dstURI)
	if err != nil {
		return rebuild.Stats{}, err
	}
	return job.Stats(), nil
}

// startRebuild schedules a rebuild job copying into dst from the first
// healthy child other than dst, using dst's accumulated dirty map for a
// partial rebuild when one exists. The job runs in its own
// goroutine; OnTerminal flips dst back to Open on success or to Faulted on
// failure.
func (n *Nexus) startRebuild(ctx context.Context, dst *Child) error {
	n.mu.RLock()
	var src *Child
	for _, c := range n.children {
		if c == dst {
			continue
		}
		if c.State() == ChildOpen {
			src = c
			break
		}
	}
	total := n.sizeBytes / uint64(n.blockLen)
	blockLen := n.blockLen
	segBlocks := n.cfg.SegmentBlocks
	taskCount := n.cfg.TaskCount
	buffer := n.buffer
	dispatch := n.dispatch
	locks := n.locks
	name := n.name
	n.mu.RUnlock()

	if src == nil {
		return nexuserr.WrongStatef(dst.uri, "no healthy child available to rebuild from")
	}
	if segBlocks == 0 {
		segBlocks = 256
	}
	if taskCount == 0 {
		taskCount = 4
	}

	dst.mu.RLock()
	dirty := dst.dirtyMap
	dst.mu.RUnlock()

	cfg := rebuild.Config{
		NexusName:     name,
		SrcURI:        src.uri,
		DstURI:        dst.uri,
		TotalBlocks:   total,
		BlockLen:      blockLen,
		SegmentBlocks: segBlocks,
		TaskCount:     taskCount,
		Src:           src,
		Dst:           dst,
		Locks:         locks,
		Buffer:        buffer,
		Dispatch:      dispatch,
	}
	job := rebuild.NewJob(cfg, dirty)
	job.OnTerminal(func(j *rebuild.Job, state rebuild.State, stats rebuild.Stats) {
		n.onRebuildTerminal(dst, j, state, stats)
	})

	n.mu.Lock()
	n.jobs[dst.uri] = job
	n.mu.Unlock()

	go func() {
		_ = job.Run(ctx)
	}()
	return nil
}

// onRebuildTerminal records history and transitions dst out of Degraded
// once its rebuild job finishes, and only then drops the job from the
// active set, so once ActiveJob returns nil the history record and dst's
// new state are visible.
func (n *Nexus) onRebuildTerminal(dst *Child, job *rebuild.Job, state rebuild.State, stats rebuild.Stats) {
	defer func() {
		n.mu.Lock()
		if n.jobs[dst.uri] == job {
			delete(n.jobs, dst.uri)
		}
		n.mu.Unlock()
	}()

	n.history.Append(rebuild.HistoryRecord{
		NexusName: n.name,
		SrcURI:    job.SrcURI(),
		DstURI:    dst.uri,
		State:     state,
		StartTime: stats.StartTime,
		EndTime:   time.Now(),
		Stats:     stats,
		Partial:   job.IsPartial(),
	})

	dst.mu.Lock()
	switch state {
	case rebuild.Completed:
		dst.state = ChildOpen
		dst.dirtyMap = nil
		dst.mu.Unlock()
		logger.Info("rebuild completed, child rejoined", logger.Nexus(n.name), logger.Child(dst.uri))
	case rebuild.Stopped:
		dst.mu.Unlock()
	default:
		dst.state = ChildFaulted
		dst.faultReason = ReasonIoError
		dst.mu.Unlock()
		logger.Error("rebuild failed, child remains faulted", logger.Nexus(n.name), logger.Child(dst.uri))
		n.checkAllFaulted()
	}
}
