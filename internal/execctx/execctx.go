// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package execctx implements the execution context primitive that fibers are
// built on.
//
// Each [Context] is backed by a dedicated goroutine, its "stack". Control is
// transferred with strict hand-off over unbuffered channels, so that for any
// Switch/Suspend pair exactly one side is executing at any moment. Nothing
// outside this package touches the backing goroutine directly.
package execctx

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// ErrReleased is returned when switching into a released context.
	ErrReleased = errors.New("execctx: context released")

	// ErrNoEntry is returned when switching into a context with no entry.
	ErrNoEntry = errors.New("execctx: no entry function")
)

var allocs atomic.Uint64

// Allocs returns the number of contexts (backing goroutines) ever created.
func Allocs() uint64 { return allocs.Load() }

// Context is a suspendable execution context.
type Context struct {
	in       chan struct{}
	out      chan struct{}
	done     chan struct{}
	entry    func()
	mu       sync.Mutex // guards the send into in against close
	release  sync.Once
	released atomic.Bool
	armed    bool
}

// New allocates a context that will run entry on the first Switch.
func New(entry func()) *Context {
	c := &Context{
		in:    make(chan struct{}),
		out:   make(chan struct{}),
		done:  make(chan struct{}),
		entry: entry,
		armed: true,
	}
	allocs.Add(1)
	go c.loop()
	return c
}

func (c *Context) loop() {
	defer close(c.done)
	for {
		if _, ok := <-c.in; !ok {
			return
		}
		entry := c.entry
		c.entry = nil
		entry()
		// implicit final switch back to whoever resumed us
		c.out <- struct{}{}
	}
}

// Switch transfers control into the context, blocking until it suspends or
// its entry returns. Must not be called from the context's own goroutine.
// It may race [Context.Release], in which case it either runs the context
// to its next suspension or returns ErrReleased.
func (c *Context) Switch() error {
	c.mu.Lock()
	if c.released.Load() {
		c.mu.Unlock()
		return ErrReleased
	}
	if c.armed {
		// first switch after New/Reset, the loop will consume the entry
		if c.entry == nil {
			c.mu.Unlock()
			return ErrNoEntry
		}
		c.armed = false
	}
	c.in <- struct{}{}
	c.mu.Unlock()
	<-c.out
	return nil
}

// Suspend transfers control back to the goroutine blocked in Switch, and
// blocks until the next Switch. Must only be called from within the context.
// If the context is released while suspended, the backing goroutine exits via
// [runtime.Goexit], running deferred calls.
func (c *Context) Suspend() {
	c.out <- struct{}{}
	if _, ok := <-c.in; !ok {
		runtime.Goexit()
	}
}

// Reset re-arms a context whose previous entry has returned, reusing the
// backing goroutine.
func (c *Context) Reset(entry func()) error {
	if c.released.Load() {
		return ErrReleased
	}
	if entry == nil {
		return ErrNoEntry
	}
	c.entry = entry
	c.armed = true
	return nil
}

// Release stops the backing goroutine. Safe to call more than once.
func (c *Context) Release() {
	c.release.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.released.Store(true)
		close(c.in)
	})
}

// Done is closed once the backing goroutine has exited.
func (c *Context) Done() <-chan struct{} { return c.done }
