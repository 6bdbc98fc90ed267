// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

// Package hook provides drop-in replacements for blocking syscalls, with the
// same signatures as their golang.org/x/sys/unix counterparts.
//
// When hooking is enabled on the calling thread, and the caller is a fiber
// running under an [iomanager.IOManager], a call that would block on a
// socket instead arms the matching readiness event, yields the fiber, and
// retries once woken. Receive and send timeouts configured via
// [SetsockoptTimeval] surface as [unix.ETIMEDOUT]. In every other case each
// function behaves exactly like the unix call it wraps.
//
// Sockets must be known to [fdctx.Default] to be hooked, which [Socket] and
// [Accept] take care of.
package hook

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiberio/fdctx"
	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/iomanager"
	"github.com/joeycumines/go-fiberio/timer"
	"golang.org/x/sys/unix"
)

// DefaultConnectTimeout is the initial timeout used by [Connect].
const DefaultConnectTimeout = 5000 * time.Millisecond

var connectTimeout atomic.Uint64

func init() {
	connectTimeout.Store(durationMS(DefaultConnectTimeout))
}

// Enabled reports whether hooking is enabled on the calling thread.
func Enabled() bool {
	t := fiber.CurrentThread()
	return t != nil && t.HookEnabled()
}

// SetEnabled toggles hooking on the calling thread, registering it if
// necessary.
func SetEnabled(v bool) {
	t := fiber.CurrentThread()
	if t == nil {
		if !v {
			return
		}
		t = fiber.InitThread()
	}
	t.SetHookEnabled(v)
}

// SetConnectTimeout sets the timeout used by [Connect]. A negative value
// disables it.
func SetConnectTimeout(d time.Duration) {
	connectTimeout.Store(durationMS(d))
}

// ConnectTimeout returns the timeout used by [Connect], or a negative value
// if there is none.
func ConnectTimeout() time.Duration {
	ms := connectTimeout.Load()
	if ms == fdctx.NoTimeout {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func durationMS(d time.Duration) uint64 {
	if d < 0 {
		return fdctx.NoTimeout
	}
	return uint64(d / time.Millisecond)
}

// active returns the io manager and fiber a hooked call suspends through,
// or nil if the call must go straight to the OS.
func active() (*iomanager.IOManager, *fiber.Fiber) {
	if !Enabled() {
		return nil, nil
	}
	f := fiber.Running()
	if f == nil {
		return nil, nil
	}
	m := iomanager.Current()
	if m == nil {
		return nil, nil
	}
	return m, f
}

const (
	waiting int32 = iota
	woken
	timedOut
)

// wait arms ev on c for f then yields, returning once the event fires, is
// canceled, or ms elapses, in which case the error is unix.ETIMEDOUT. If c
// is closed meanwhile the error is unix.EBADF.
func wait(m *iomanager.IOManager, f *fiber.Fiber, c *fdctx.FdCtx, ev iomanager.Event, ms uint64, call string) error {
	fd := c.FD()
	if err := m.AddEvent(fd, ev, nil); err != nil {
		if c.IsClosed() {
			return unix.EBADF
		}
		m.Logger().Err().
			Err(err).
			Int(`fd`, fd).
			Str(`call`, call).
			Str(`event`, ev.String()).
			Log(`hook failed to arm event`)
		return err
	}
	if c.IsClosed() {
		// Close may have canceled before we armed
		_ = m.CancelEvent(fd, ev)
	}

	var state atomic.Int32
	var t *timer.Timer
	if ms != fdctx.NoTimeout {
		t = m.AddConditionalTimer(ms, func() {
			if state.CompareAndSwap(waiting, timedOut) {
				_ = m.CancelEvent(fd, ev)
			}
		}, timer.LivenessFunc(func() bool { return state.Load() == waiting }), false)
	}

	_ = f.Yield()

	if t != nil {
		t.Cancel()
	}
	if !state.CompareAndSwap(waiting, woken) {
		m.Metrics().HookTimeout(call)
		return unix.ETIMEDOUT
	}
	if c.IsClosed() {
		return unix.EBADF
	}
	return nil
}

// doIO runs fn, suspending the calling fiber whenever it would block.
func doIO[T any](fd int, call string, ev iomanager.Event, opt int, fn func() (T, error)) (T, error) {
	m, f := active()
	if m == nil {
		return fn()
	}
	c := fdctx.Default().Get(fd, false)
	if c == nil {
		return fn()
	}
	if c.IsClosed() {
		var zero T
		return zero, unix.EBADF
	}
	if !c.IsSocket() || c.UserNonblock() {
		return fn()
	}

	for {
		v, err := fn()
		for err == unix.EINTR {
			v, err = fn()
		}
		if err != unix.EAGAIN {
			return v, err
		}
		if werr := wait(m, f, c, ev, c.Timeout(opt), call); werr != nil {
			if werr == unix.ETIMEDOUT || werr == unix.EBADF {
				var zero T
				return zero, werr
			}
			return v, err
		}
	}
}
