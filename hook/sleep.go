// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package hook

import (
	"time"

	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/iomanager"
	"golang.org/x/sys/unix"
)

// Sleep suspends for the given number of seconds, returning the number of
// seconds left if interrupted.
func Sleep(seconds uint) uint {
	if m, f := active(); m != nil {
		suspend(m, f, uint64(seconds)*1000)
		return 0
	}
	req := unix.NsecToTimespec(int64(time.Duration(seconds) * time.Second))
	var rem unix.Timespec
	if err := unix.Nanosleep(&req, &rem); err != nil {
		left := uint(rem.Sec)
		if rem.Nsec > 0 {
			left++
		}
		return left
	}
	return 0
}

// Usleep suspends for usec microseconds. Hooked sleeps have millisecond
// resolution.
func Usleep(usec uint) error {
	if m, f := active(); m != nil {
		suspend(m, f, uint64(usec)/1000)
		return nil
	}
	req := unix.NsecToTimespec(int64(time.Duration(usec) * time.Microsecond))
	return unix.Nanosleep(&req, nil)
}

// Nanosleep is unix.Nanosleep. A hooked sleep is never interrupted, so rem
// is zeroed.
func Nanosleep(req, rem *unix.Timespec) error {
	m, f := active()
	if m == nil {
		return unix.Nanosleep(req, rem)
	}
	if req == nil || req.Sec < 0 || req.Nsec < 0 || req.Nsec >= 1e9 {
		return unix.EINVAL
	}
	suspend(m, f, uint64(req.Sec)*1000+uint64(req.Nsec)/1e6)
	if rem != nil {
		*rem = unix.Timespec{}
	}
	return nil
}

// suspend reschedules f after ms, then yields.
func suspend(m *iomanager.IOManager, f *fiber.Fiber, ms uint64) {
	m.AddTimer(ms, func() { _ = m.ScheduleFiber(f) }, false)
	_ = f.Yield()
}
