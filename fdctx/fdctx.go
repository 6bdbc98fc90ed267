// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

// Package fdctx tracks per-descriptor metadata used by the syscall shims in
// the hook package.
//
// Sockets registered here are switched to O_NONBLOCK at the OS level. The
// non-blocking mode the user asked for is recorded separately, so that the
// shims can emulate blocking semantics while fcntl/ioctl queries still report
// what the user set.
package fdctx

import (
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// NoTimeout is the timeout value of a descriptor that has none configured.
const NoTimeout uint64 = math.MaxUint64

const initialSize = 64

// FdCtx is the metadata of a single descriptor.
type FdCtx struct {
	fd           int
	isInit       bool
	isSocket     bool
	sysNonblock  bool
	closed       atomic.Bool
	userNonblock atomic.Bool
	recvTimeout  atomic.Uint64
	sendTimeout  atomic.Uint64
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{fd: fd}
	c.recvTimeout.Store(NoTimeout)
	c.sendTimeout.Store(NoTimeout)
	c.init()
	return c
}

func (c *FdCtx) init() {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return
	}
	c.isInit = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	if flags&unix.O_NONBLOCK == 0 {
		if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			return
		}
	}
	c.sysNonblock = true
}

// FD returns the descriptor number.
func (c *FdCtx) FD() int { return c.fd }

// IsInit reports whether the descriptor could be probed.
func (c *FdCtx) IsInit() bool { return c.isInit }

// IsSocket reports whether the descriptor is a socket.
func (c *FdCtx) IsSocket() bool { return c.isSocket }

// IsClosed reports whether the descriptor was removed from its registry.
func (c *FdCtx) IsClosed() bool { return c.closed.Load() }

// SysNonblock reports whether O_NONBLOCK was imposed on the descriptor.
func (c *FdCtx) SysNonblock() bool { return c.sysNonblock }

// UserNonblock reports whether the user asked for non-blocking mode.
func (c *FdCtx) UserNonblock() bool { return c.userNonblock.Load() }

// SetUserNonblock records the user's non-blocking mode.
func (c *FdCtx) SetUserNonblock(v bool) { c.userNonblock.Store(v) }

// Timeout returns the timeout in milliseconds for opt, which is
// unix.SO_RCVTIMEO or unix.SO_SNDTIMEO (anything else is treated as the
// latter).
func (c *FdCtx) Timeout(opt int) uint64 {
	if opt == unix.SO_RCVTIMEO {
		return c.recvTimeout.Load()
	}
	return c.sendTimeout.Load()
}

// SetTimeout sets the timeout in milliseconds for opt. See [FdCtx.Timeout].
func (c *FdCtx) SetTimeout(opt int, ms uint64) {
	if opt == unix.SO_RCVTIMEO {
		c.recvTimeout.Store(ms)
		return
	}
	c.sendTimeout.Store(ms)
}

// Registry maps descriptors to their metadata.
type Registry struct {
	mu  sync.RWMutex
	fds []*FdCtx
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fds: make([]*FdCtx, initialSize)}
}

// Get returns the metadata of fd. If none exists and autoCreate is set, the
// descriptor is probed and registered, otherwise nil is returned.
func (r *Registry) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}

	r.mu.RLock()
	if fd < len(r.fds) {
		if c := r.fds[fd]; c != nil || !autoCreate {
			r.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < len(r.fds) && r.fds[fd] != nil {
		return r.fds[fd]
	}
	if fd >= len(r.fds) {
		n := max(fd*3/2, fd+1)
		fds := make([]*FdCtx, n)
		copy(fds, r.fds)
		r.fds = fds
	}
	c := newFdCtx(fd)
	r.fds[fd] = c
	return c
}

// Del drops fd, marking any outstanding metadata as closed.
func (r *Registry) Del(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < 0 || fd >= len(r.fds) {
		return
	}
	if c := r.fds[fd]; c != nil {
		c.closed.Store(true)
		r.fds[fd] = nil
	}
}

// Len returns the capacity of the descriptor table.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fds)
}
