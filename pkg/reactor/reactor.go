// Package reactor implements the pinned cooperative reactor runtime: a
// small fixed set of single-threaded, per-core event loops plus an
// off-reactor worker pool for blocking work. Every device-manipulating
// future in this engine (open, create, I/O, share) is expected to run
// inside one of these reactors rather than on an arbitrary goroutine.
package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Config sizes the reactor pool and its off-reactor runtime.
type Config struct {
	// Cores is the set of CPU core indices reactors are pinned to, in
	// list order. Cores[0] is the primary reactor.
	Cores []int

	// OffReactorWorkers is the number of goroutines that execute
	// admitted spawn_blocking tasks.
	OffReactorWorkers int

	// MaxBlockingTasks bounds the number of spawn_blocking calls
	// admitted (queued or running) at once, independent of
	// OffReactorWorkers: it is the backpressure gate a caller blocks on
	// before a task is even handed to a worker.
	MaxBlockingTasks int
}

type reactorCtxKey struct{}

// task is a queued future: Fn runs with a context carrying the owning
// reactor's identity, so code inside it can call WithThreadScope.
type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Reactor is a single pinned cooperative event loop: one goroutine,
// locked to an OS thread and (on Linux) pinned to a CPU core, draining a
// FIFO of futures.
type Reactor struct {
	core    int
	primary bool
	queue   chan task
	metrics *Metrics
}

// Core returns the CPU core index this reactor is pinned to.
func (r *Reactor) Core() int { return r.core }

// IsPrimary reports whether this is the designated primary reactor, the
// only one permitted to register/unregister device modules and mutate the
// nexus registry.
func (r *Reactor) IsPrimary() bool { return r.primary }

func (r *Reactor) run(wg *sync.WaitGroup) {
	defer wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := pinToCore(r.core); err != nil {
		logger.Warn("reactor: failed to pin to core", logger.Core(r.core), logger.Err(err))
	}

	for t := range r.queue {
		r.metrics.setQueueDepth(r.core, len(r.queue))
		r.metrics.incDispatched(r.core)

		ctx := context.WithValue(context.Background(), reactorCtxKey{}, r)
		t.done <- runTask(ctx, t.fn)
		close(t.done)
	}
}

// runTask executes fn, converting a panic into an error so one misbehaving
// future cannot take the whole reactor loop down.
func runTask(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reactor: future panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

// Runtime owns the fixed set of reactors and the off-reactor blocking
// pool.
type Runtime struct {
	reactors []*Reactor
	byCore   map[int]*Reactor
	primary  *Reactor

	blockingSem     *semaphore.Weighted
	blockingQueue   chan func()
	blockingWorkers int
	blockingActive  chan struct{} // buffered to OffReactorWorkers, tracks in-flight count for the gauge

	metrics *Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRuntime constructs a Runtime from cfg but does not start it; call
// Start to spin up the reactor and worker goroutines. registerer may be
// nil, in which case metrics are collected but not exposed.
func NewRuntime(cfg Config, registerer prometheus.Registerer) (*Runtime, error) {
	if len(cfg.Cores) == 0 {
		return nil, nexuserr.InvalidArgumentf("reactor config must name at least one core")
	}
	if cfg.OffReactorWorkers <= 0 {
		return nil, nexuserr.InvalidArgumentf("reactor config off_reactor_workers must be > 0")
	}
	if cfg.MaxBlockingTasks <= 0 {
		return nil, nexuserr.InvalidArgumentf("reactor config max_blocking_tasks must be > 0")
	}

	metrics := NewMetrics(registerer)

	rt := &Runtime{
		byCore:          make(map[int]*Reactor, len(cfg.Cores)),
		blockingSem:     semaphore.NewWeighted(int64(cfg.MaxBlockingTasks)),
		blockingQueue:   make(chan func(), cfg.MaxBlockingTasks),
		blockingWorkers: cfg.OffReactorWorkers,
		blockingActive:  make(chan struct{}, cfg.OffReactorWorkers),
		metrics:         metrics,
		stopCh:          make(chan struct{}),
	}

	for i, core := range cfg.Cores {
		r := &Reactor{core: core, primary: i == 0, queue: make(chan task, 256), metrics: metrics}
		rt.reactors = append(rt.reactors, r)
		rt.byCore[core] = r
		if r.primary {
			rt.primary = r
		}
	}

	return rt, nil
}

// Start launches one goroutine per reactor and OffReactorWorkers
// off-reactor worker goroutines.
func (rt *Runtime) Start() {
	for _, r := range rt.reactors {
		rt.wg.Add(1)
		go r.run(&rt.wg)
	}
	for i := 0; i < rt.blockingWorkers; i++ {
		rt.wg.Add(1)
		go rt.runBlockingWorker()
	}
}

// Stop closes every reactor's queue and the blocking queue, then waits for
// in-flight futures to drain. Stop is idempotent.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		for _, r := range rt.reactors {
			close(r.queue)
		}
		close(rt.blockingQueue)
	})
	rt.wg.Wait()
}

// Primary returns the designated primary reactor.
func (rt *Runtime) Primary() *Reactor { return rt.primary }

// Reactor returns the reactor pinned to core, if one is configured.
func (rt *Runtime) Reactor(core int) (*Reactor, bool) {
	r, ok := rt.byCore[core]
	return r, ok
}

// SpawnOnReactor enqueues a future on the reactor pinned to core and
// returns a cross-core completion channel. The channel receives fn's error
// (nil on success) exactly once and is then closed. The caller does not
// wait for fn to run; submission blocks only while the target reactor's
// 256-entry queue is full.
func (rt *Runtime) SpawnOnReactor(core int, fn func(ctx context.Context) error) (<-chan error, error) {
	r, ok := rt.byCore[core]
	if !ok {
		return nil, nexuserr.InvalidArgumentf("no reactor pinned to core %d", core)
	}
	done := make(chan error, 1)
	select {
	case r.queue <- task{fn: fn, done: done}:
		return done, nil
	case <-rt.stopCh:
		return nil, nexuserr.WrongStatef("reactor", "runtime is stopped")
	}
}

// RunOnPrimary is SpawnOnReactor against the primary reactor, the only
// reactor permitted to register/unregister device modules and mutate the
// nexus registry.
func (rt *Runtime) RunOnPrimary(fn func(ctx context.Context) error) (<-chan error, error) {
	return rt.SpawnOnReactor(rt.primary.core, fn)
}

// SpawnBlocking runs fn on a non-reactor worker goroutine, yielding a
// completion channel. Admission
// is gated by a semaphore.Weighted sized to MaxBlockingTasks so a burst of
// blocking work cannot pile up unbounded ahead of the fixed
// OffReactorWorkers pool; SpawnBlocking blocks until a slot is free or ctx
// is done.
func (rt *Runtime) SpawnBlocking(ctx context.Context, fn func() error) (<-chan error, error) {
	if err := rt.blockingSem.Acquire(ctx, 1); err != nil {
		rt.metrics.incBlockingRejected()
		return nil, nexuserr.Timeoutf("reactor", "spawn_blocking admission: %v", err)
	}

	done := make(chan error, 1)
	job := func() {
		defer rt.blockingSem.Release(1)
		done <- runBlockingTask(fn)
		close(done)
	}

	rt.metrics.setBlockingQueued(len(rt.blockingQueue) + 1)
	select {
	case rt.blockingQueue <- job:
		return done, nil
	case <-ctx.Done():
		rt.blockingSem.Release(1)
		rt.metrics.incBlockingRejected()
		return nil, nexuserr.Timeoutf("reactor", "spawn_blocking: %v", ctx.Err())
	}
}

func runBlockingTask(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reactor: blocking task panicked: %v", rec)
		}
	}()
	return fn()
}

func (rt *Runtime) runBlockingWorker() {
	defer rt.wg.Done()
	for job := range rt.blockingQueue {
		rt.blockingActive <- struct{}{}
		rt.metrics.setBlockingActive(len(rt.blockingActive))
		job()
		<-rt.blockingActive
		rt.metrics.setBlockingActive(len(rt.blockingActive))
	}
}

// WithThreadScope executes f under the current reactor's thread context,
// failing if ctx was not produced by a reactor's own task dispatch.
// Code that legitimately runs
// inside a dispatched future should thread the ctx it was handed down to
// any call that needs this guarantee.
func WithThreadScope(ctx context.Context, f func(r *Reactor) error) error {
	r, ok := ctx.Value(reactorCtxKey{}).(*Reactor)
	if !ok || r == nil {
		return nexuserr.WrongStatef("reactor", "with_thread_scope called outside a reactor context")
	}
	return f(r)
}
