// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package fiber implements cooperatively scheduled fibers and the per-thread
// registry the rest of the runtime resolves "current" state through.
//
// A [Fiber] is backed by its own goroutine, with control handed across
// explicitly: [Fiber.Resume] blocks the caller until the fiber yields or its
// entry returns, and [Yield] blocks the fiber until the next Resume. At most
// one of the two is executing at any moment, which gives fibers the same
// run-to-yield semantics as stackful coroutines.
//
// Threads are goroutines registered via [InitThread], normally locked to an
// OS thread by the scheduler. Each thread owns a base fiber (representing the
// registered goroutine itself), a scheduler fiber (the base fiber unless a
// scheduler installs another), and a hook-enabled flag.
//
// Fibers must be released with [Fiber.Release] once no longer needed, as the
// backing goroutine otherwise lives for the rest of the process.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/internal/execctx"
	"github.com/joeycumines/go-fiberio/internal/goid"
)

var (
	lastID atomic.Uint64
	live   atomic.Int64
)

// Count returns the number of live fibers, including thread base fibers.
func Count() int64 { return live.Load() }

// StackAllocs returns the number of execution contexts ever allocated.
// Reset reuses a context and does not increment it.
func StackAllocs() uint64 { return execctx.Allocs() }

// Fiber is a unit of cooperatively scheduled execution.
type Fiber struct {
	ctx            *execctx.Context
	fn             func()
	thread         atomic.Pointer[Thread]
	gid            atomic.Uint64
	id             uint64
	state          atomicState
	release        sync.Once
	released       atomic.Bool
	stackSize      uint32
	runInScheduler bool
}

// New creates a fiber in StateReady that will run fn on its first Resume.
func New(fn func(), opts ...Option) *Fiber {
	cfg := resolveOptions(opts)
	f := &Fiber{
		id:             lastID.Add(1),
		fn:             fn,
		stackSize:      cfg.stackSize,
		runInScheduler: cfg.runInScheduler,
	}
	f.ctx = execctx.New(f.trampoline)
	live.Add(1)
	return f
}

func newBase(t *Thread) *Fiber {
	f := &Fiber{
		id: lastID.Add(1),
	}
	f.state.Store(StateRunning)
	f.thread.Store(t)
	f.gid.Store(t.gid)
	live.Add(1)
	return f
}

// ID returns the process-unique fiber id, starting at 1.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return f.state.Load() }

// StackSize returns the stack size hint the fiber was created with.
func (f *Fiber) StackSize() uint32 { return f.stackSize }

// RunInScheduler reports whether yields return to the scheduler fiber.
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// Thread returns the thread that last resumed the fiber, or nil.
func (f *Fiber) Thread() *Thread { return f.thread.Load() }

// IsBase reports whether f is a thread base fiber.
func (f *Fiber) IsBase() bool { return f.ctx == nil }

func (f *Fiber) String() string {
	return fmt.Sprintf("fiber(%d,%s)", f.id, f.state.Load())
}

// Resume switches into f, returning once it yields or finishes. It must be
// called from a registered thread, or from a fiber.
func (f *Fiber) Resume() error {
	if f.ctx == nil {
		return logMisuse(f, "resume", ErrBaseFiber)
	}
	if f.released.Load() {
		return logMisuse(f, "resume", ErrReleased)
	}
	t := CurrentThread()
	if t == nil {
		return logMisuse(f, "resume", ErrNoThread)
	}
	if !f.state.TryTransition(StateReady, StateRunning) {
		return logMisuse(f, "resume", ErrNotReady)
	}
	f.thread.Store(t)
	t.current.Store(f)
	if err := f.ctx.Switch(); err != nil {
		f.state.Store(StateTerm)
		t.current.Store(t.parentFor(f))
		return logMisuse(f, "resume", fmt.Errorf("%w: %w", ErrReleased, err))
	}
	return nil
}

// Yield suspends f, returning control to the goroutine blocked in Resume.
// It must be called from f's own goroutine. A running fiber becomes
// StateReady, a finished one stays StateTerm.
func (f *Fiber) Yield() error {
	if f.ctx == nil || f.gid.Load() != goid.ID() {
		return logMisuse(f, "yield", ErrNotCurrent)
	}
	f.leave()
	// the fiber may be resumed by another thread as soon as it is Ready, the
	// hand-off in Suspend orders that resume after this one completes
	f.state.TryTransition(StateRunning, StateReady)
	f.ctx.Suspend()
	return nil
}

// Reset re-arms a finished fiber with a new entry, reusing its execution
// context.
func (f *Fiber) Reset(fn func()) error {
	if f.ctx == nil {
		return logMisuse(f, "reset", ErrNoStack)
	}
	if f.released.Load() {
		return logMisuse(f, "reset", ErrReleased)
	}
	if f.state.Load() != StateTerm {
		return logMisuse(f, "reset", ErrNotTerm)
	}
	if err := f.ctx.Reset(f.trampoline); err != nil {
		return logMisuse(f, "reset", err)
	}
	f.fn = fn
	f.state.Store(StateReady)
	return nil
}

// Release frees the execution context. Releasing a base fiber, or releasing
// more than once, is a no-op.
func (f *Fiber) Release() {
	if f.ctx == nil {
		return
	}
	f.release.Do(func() {
		f.released.Store(true)
		if gid := f.gid.Load(); gid != 0 {
			fibers.CompareAndDelete(gid, f)
		}
		f.ctx.Release()
		live.Add(-1)
	})
}

// leave hands the thread's current pointer back to the parent.
func (f *Fiber) leave() {
	if t := f.thread.Load(); t != nil {
		t.current.Store(t.parentFor(f))
	}
}

func (f *Fiber) trampoline() {
	gid := goid.ID()
	if f.gid.Swap(gid) != gid {
		fibers.Store(gid, f)
	}
	f.run()
	f.fn = nil
	f.state.Store(StateTerm)
	f.leave()
}

func (f *Fiber) run() {
	defer func() {
		if r := recover(); r != nil {
			fiberlog.Default().Err().
				Uint64(`fiber`, f.id).
				Any(`panic`, r).
				Log(`fiber entry panicked`)
		}
	}()
	if fn := f.fn; fn != nil {
		fn()
	}
}

func logMisuse(f *Fiber, op string, err error) error {
	fiberlog.Default().Err().
		Err(err).
		Uint64(`fiber`, f.id).
		Str(`state`, f.state.Load().String()).
		Str(`op`, op).
		Log(`fiber misuse`)
	return err
}

// Yield yields the calling fiber. See [Fiber.Yield].
func Yield() error {
	f, ok := lookupFiber(goid.ID())
	if !ok {
		return ErrNotCurrent
	}
	return f.Yield()
}
