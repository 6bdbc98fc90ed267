// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"runtime"

	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/metrics"
)

// run is the scheduling loop, executed on each worker's base fiber, and on
// the root fiber of a participating caller.
func (s *Scheduler) run() {
	t := fiber.CurrentThread()
	t.SetValue(currentKey{}, s)
	if s.hooking {
		t.SetHookEnabled(true)
	}
	tid := t.ID()

	s.logger.Debug().
		Str(`scheduler`, s.name).
		Int(`thread`, tid).
		Log(`scheduler loop started`)

	idle := fiber.New(s.driver.Idle, fiber.WithStackSize(s.stackSize))
	var fn *fiber.Fiber
	defer func() {
		idle.Release()
		if fn != nil {
			fn.Release()
		}
		if t.Value(currentKey{}) == s && t != s.rootThread {
			t.SetValue(currentKey{}, nil)
		}
	}()

	for {
		task, tickle, busy := s.next(tid)
		if tickle {
			s.driver.Tickle()
		}

		switch {
		case task.Fiber != nil:
			s.metrics.TaskDispatched(metrics.KindFiber)
			f := task.Fiber
			_ = f.Resume()
			s.active.Add(-1)
			if f.State() == fiber.StateTerm && s.disown(f) {
				if fn == nil {
					fn = f
				} else {
					f.Release()
				}
			}

		case task.Func != nil:
			s.metrics.TaskDispatched(metrics.KindFunc)
			if fn == nil || fn.State() != fiber.StateTerm || fn.Reset(task.Func) != nil {
				fn = fiber.New(task.Func, fiber.WithStackSize(s.stackSize))
			}
			_ = fn.Resume()
			s.active.Add(-1)
			if fn.State() != fiber.StateTerm {
				// suspended inside the callback, whoever holds it resumes it
				s.own(fn)
				fn = nil
			}

		case busy:
			// only fibers still running elsewhere, they are about to yield
			runtime.Gosched()

		default:
			if idle.State() == fiber.StateTerm {
				s.logger.Debug().
					Str(`scheduler`, s.name).
					Int(`thread`, tid).
					Log(`scheduler loop stopped`)
				return
			}
			s.idle.Add(1)
			s.metrics.IdleThreadsAdd(1)
			_ = idle.Resume()
			s.idle.Add(-1)
			s.metrics.IdleThreadsAdd(-1)
		}
	}
}

// next dequeues the first task eligible for thread tid. It reports whether
// other workers should be woken, and whether eligible fibers were skipped
// because they are still running.
func (s *Scheduler) next(tid int) (task Task, tickle, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.tasks.Front(); e != nil; e = e.Next() {
		v := e.Value.(Task)
		if v.Thread != AnyThread && v.Thread != tid {
			tickle = true
			continue
		}
		if v.Fiber != nil && v.Fiber.State() == fiber.StateRunning {
			busy = true
			continue
		}
		tickle = tickle || e.Next() != nil
		s.tasks.Remove(e)
		s.active.Add(1)
		return v, tickle, false
	}
	return Task{}, tickle, busy
}

func (s *Scheduler) own(f *fiber.Fiber) {
	s.mu.Lock()
	s.owned[f] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) disown(f *fiber.Fiber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owned[f]; ok {
		delete(s.owned, f)
		return true
	}
	return false
}
