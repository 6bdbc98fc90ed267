// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-fiberio/internal/goid"
	"golang.org/x/sys/unix"
)

var (
	// fibers maps backing goroutine id to *Fiber
	fibers sync.Map
	// threads maps registered goroutine id to *Thread
	threads sync.Map
)

// Thread is the per-thread state of a registered goroutine.
type Thread struct {
	base    *Fiber
	sched   atomic.Pointer[Fiber]
	current atomic.Pointer[Fiber]
	values  sync.Map
	gid     uint64
	id      int
	hook    atomic.Bool
	closed  atomic.Bool
}

// InitThread registers the calling goroutine as a thread, creating its base
// fiber. It is idempotent, and when called from within a fiber it returns the
// thread that fiber is running on.
//
// Callers wanting a stable [Thread.ID] should lock the goroutine to its OS
// thread first.
func InitThread() *Thread {
	gid := goid.ID()
	if t := lookupThread(gid); t != nil {
		return t
	}
	t := &Thread{
		gid: gid,
		id:  unix.Gettid(),
	}
	t.base = newBase(t)
	t.current.Store(t.base)
	if v, loaded := threads.LoadOrStore(gid, t); loaded {
		live.Add(-1)
		return v.(*Thread)
	}
	return t
}

// CurrentThread returns the thread of the calling goroutine, or nil if it is
// neither a registered thread nor a fiber that has been resumed.
func CurrentThread() *Thread {
	return lookupThread(goid.ID())
}

// Current returns the fiber executing on the calling goroutine, registering
// the goroutine as a thread if needed.
func Current() *Fiber {
	gid := goid.ID()
	if f, ok := lookupFiber(gid); ok {
		return f
	}
	if v, ok := threads.Load(gid); ok {
		return v.(*Thread).base
	}
	return InitThread().base
}

// Running returns the fiber backed by the calling goroutine, or nil if the
// caller is not a fiber (e.g. a thread's base goroutine).
func Running() *Fiber {
	f, _ := lookupFiber(goid.ID())
	return f
}

// CurrentID returns the id of the fiber executing on the calling goroutine,
// or 0 if there is none. It never registers anything.
func CurrentID() uint64 {
	gid := goid.ID()
	if f, ok := lookupFiber(gid); ok {
		return f.id
	}
	if v, ok := threads.Load(gid); ok {
		return v.(*Thread).base.id
	}
	return 0
}

func lookupFiber(gid uint64) (*Fiber, bool) {
	if v, ok := fibers.Load(gid); ok {
		return v.(*Fiber), true
	}
	return nil, false
}

func lookupThread(gid uint64) *Thread {
	if f, ok := lookupFiber(gid); ok {
		return f.thread.Load()
	}
	if v, ok := threads.Load(gid); ok {
		return v.(*Thread)
	}
	return nil
}

// ID returns the OS thread id observed at registration.
func (t *Thread) ID() int { return t.id }

// Base returns the thread's base fiber.
func (t *Thread) Base() *Fiber { return t.base }

// Current returns the fiber currently running on the thread.
func (t *Thread) Current() *Fiber { return t.current.Load() }

// SchedulerFiber returns the fiber that scheduled fibers yield back to.
func (t *Thread) SchedulerFiber() *Fiber {
	if f := t.sched.Load(); f != nil {
		return f
	}
	return t.base
}

// SetSchedulerFiber installs the scheduler fiber, nil restores the base.
func (t *Thread) SetSchedulerFiber(f *Fiber) { t.sched.Store(f) }

// HookEnabled reports whether blocking calls on this thread are converted
// into fiber suspensions.
func (t *Thread) HookEnabled() bool { return t.hook.Load() }

// SetHookEnabled toggles syscall hooking for this thread.
func (t *Thread) SetHookEnabled(v bool) { t.hook.Store(v) }

// Value returns a thread-scoped value.
func (t *Thread) Value(key any) any {
	v, _ := t.values.Load(key)
	return v
}

// SetValue stores a thread-scoped value, nil deletes it.
func (t *Thread) SetValue(key, val any) {
	if val == nil {
		t.values.Delete(key)
		return
	}
	t.values.Store(key, val)
}

// Close unregisters the thread. It must be called from the goroutine that
// registered it, once no fiber is running on it.
func (t *Thread) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	threads.CompareAndDelete(t.gid, t)
	t.values.Clear()
	t.sched.Store(nil)
	live.Add(-1)
}

func (t *Thread) parentFor(f *Fiber) *Fiber {
	if f.runInScheduler {
		return t.SchedulerFiber()
	}
	return t.base
}
