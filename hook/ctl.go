// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package hook

import (
	"github.com/joeycumines/go-fiberio/fdctx"
	"github.com/joeycumines/go-fiberio/iomanager"
	"golang.org/x/sys/unix"
)

// Close is unix.Close. With hooking enabled, events armed on fd in the
// calling thread's io manager are canceled first, waking their waiters with
// unix.EBADF.
func Close(fd int) error {
	if c := fdctx.Default().Get(fd, false); c != nil {
		// marked closed before any waiter can run again
		fdctx.Default().Del(fd)
		if Enabled() {
			if m := iomanager.Current(); m != nil {
				_ = m.CancelAll(fd)
			}
		}
	}
	return unix.Close(fd)
}

// Fcntl is unix.FcntlInt. For registered sockets, F_SETFL and F_GETFL
// operate on the non-blocking mode the user asked for, while the socket
// itself stays non-blocking.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		c := socketCtx(fd)
		if c == nil {
			break
		}
		c.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if c.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}

	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return flags, err
		}
		c := socketCtx(fd)
		if c == nil {
			return flags, nil
		}
		if c.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	}
	return unix.FcntlInt(uintptr(fd), cmd, arg)
}

// Ioctl performs an ioctl taking a pointer to an int. FIONBIO on a registered
// socket records the user's non-blocking mode without clearing the OS flag.
func Ioctl(fd int, req uint, value int) error {
	if req == FIONBIO {
		if c := socketCtx(fd); c != nil {
			c.SetUserNonblock(value != 0)
			if c.SysNonblock() {
				value = 1
			}
		}
	}
	return unix.IoctlSetPointerInt(fd, req, value)
}

// GetsockoptInt is unix.GetsockoptInt.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// GetsockoptTimeval is unix.GetsockoptTimeval.
func GetsockoptTimeval(fd, level, opt int) (*unix.Timeval, error) {
	return unix.GetsockoptTimeval(fd, level, opt)
}

// SetsockoptInt is unix.SetsockoptInt.
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval is unix.SetsockoptTimeval. With hooking enabled,
// SO_RCVTIMEO and SO_SNDTIMEO also set the timeout of hooked calls on fd,
// where a zero value means none.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if Enabled() && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) && tv != nil {
		if c := fdctx.Default().Get(fd, false); c != nil {
			ms := uint64(tv.Sec)*1000 + uint64(tv.Usec)/1000
			if ms == 0 {
				ms = fdctx.NoTimeout
			}
			c.SetTimeout(opt, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

func socketCtx(fd int) *fdctx.FdCtx {
	c := fdctx.Default().Get(fd, false)
	if c == nil || c.IsClosed() || !c.IsSocket() {
		return nil
	}
	return c
}
