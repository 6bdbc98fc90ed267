// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"sync/atomic"
)

// State is the lifecycle state of a [Fiber].
//
// State Machine:
//
//	StateReady → StateRunning   [Resume() via CAS]
//	StateRunning → StateReady   [Yield()]
//	StateRunning → StateTerm    [entry returned or panicked]
//	StateTerm → StateReady      [Reset()]
//
// Thread base fibers are created in StateRunning and never leave it.
type State uint32

const (
	// StateReady indicates the fiber may be resumed.
	StateReady State = iota
	// StateRunning indicates the fiber is executing on some thread.
	StateRunning
	// StateTerm indicates the entry function has finished.
	StateTerm
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

type atomicState struct {
	v atomic.Uint32
}

func (s *atomicState) Load() State {
	return State(s.v.Load())
}

// Store is only valid for transitions that cannot race (Term, Reset, Yield
// from the fiber's own goroutine).
func (s *atomicState) Store(state State) {
	s.v.Store(uint32(state))
}

func (s *atomicState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
