// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"github.com/joeycumines/go-fiberio/fiber"
)

// Driver is the set of behaviors a scheduler delegates, allowing e.g. an I/O
// manager to block on readiness rather than spin.
type Driver interface {
	// Tickle wakes (at least) one idle worker.
	Tickle()
	// Idle is the body of each worker's idle fiber. It must yield
	// regularly, and return only once Stopping holds.
	Idle()
	// Stopping reports whether the scheduler may shut down.
	Stopping() bool
}

type defaultDriver struct {
	s *Scheduler
}

func (d defaultDriver) Tickle() {
	d.s.metrics.Tickle()
	d.s.logger.Trace().Str(`scheduler`, d.s.name).Log(`tickle`)
}

func (d defaultDriver) Idle() {
	d.s.logger.Trace().Str(`scheduler`, d.s.name).Log(`idle`)
	for !d.s.driver.Stopping() {
		_ = fiber.Yield()
	}
}

func (d defaultDriver) Stopping() bool {
	return d.s.DefaultStopping()
}
