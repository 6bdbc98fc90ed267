// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package scheduler implements an M:N scheduler, running fibers and plain
// callbacks across a pool of OS-thread-locked worker goroutines.
//
// Tasks are taken FIFO from a single shared queue, skipping tasks pinned to
// other threads. Each worker owns an idle fiber, run when there is no work,
// whose behavior (along with wake-ups and quiescence) is provided by a
// [Driver].
package scheduler

import (
	"container/list"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/metrics"
	"golang.org/x/sync/errgroup"
)

// AnyThread is the Task.Thread value for tasks with no thread affinity.
const AnyThread = -1

var (
	// ErrInvalidTask is returned when a task has both or neither of Fiber
	// and Func set.
	ErrInvalidTask = errors.New("scheduler: task must have exactly one of fiber or func")
)

// currentKey is the fiber.Thread value key for the thread's scheduler.
type currentKey struct{}

// Task is a unit of work. Exactly one of Fiber and Func must be set.
type Task struct {
	Fiber *fiber.Fiber
	Func  func()
	// Thread is the OS thread id the task must run on. Zero or AnyThread
	// means any thread.
	Thread int
}

// Scheduler multiplexes tasks over worker threads.
type Scheduler struct {
	driver     Driver
	logger     *fiberlog.Logger
	metrics    *metrics.Metrics
	root       *fiber.Fiber
	rootThread *fiber.Thread
	tasks      *list.List
	// owned holds function fibers abandoned mid-callback, released once
	// they finish
	owned        map[*fiber.Fiber]struct{}
	name         string
	threadIDs    []int
	group        errgroup.Group
	mu           sync.Mutex
	active       atomic.Int64
	idle         atomic.Int64
	threadCount  int
	rootThreadID int
	stackSize    uint32
	hooking      bool
	useCaller    bool
	stopping     bool
	started      bool
	stopped      atomic.Bool
	rootOwned    bool
	rootHook     bool
}

// New constructs a scheduler with threads workers in total. With useCaller,
// the calling goroutine is locked to its OS thread and counts as one of the
// workers, running tasks while it is blocked in Stop, which must then be
// called from this same goroutine.
func New(threads int, useCaller bool, name string, opts ...Option) *Scheduler {
	cfg := resolveOptions(opts)
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{
		name:         name,
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		stackSize:    cfg.stackSize,
		hooking:      cfg.hooking,
		useCaller:    useCaller,
		tasks:        list.New(),
		owned:        make(map[*fiber.Fiber]struct{}),
		rootThreadID: -1,
	}
	if cfg.driver != nil {
		s.driver = cfg.driver(s)
	}
	if s.driver == nil {
		s.driver = defaultDriver{s}
	}

	if useCaller {
		threads--
		runtime.LockOSThread()
		s.rootOwned = fiber.CurrentThread() == nil
		t := fiber.InitThread()
		t.SetValue(currentKey{}, s)
		s.rootHook = t.HookEnabled()
		s.root = fiber.New(s.run, fiber.WithRunInScheduler(false), fiber.WithStackSize(s.stackSize))
		t.SetSchedulerFiber(s.root)
		s.rootThread = t
		s.rootThreadID = t.ID()
		s.threadIDs = append(s.threadIDs, s.rootThreadID)
	}
	s.threadCount = threads

	s.logger.Debug().
		Str(`scheduler`, name).
		Int(`threads`, threads).
		Bool(`use_caller`, useCaller).
		Log(`scheduler created`)
	return s
}

// Current returns the scheduler of the calling thread, or nil.
func Current() *Scheduler {
	t := fiber.CurrentThread()
	if t == nil {
		return nil
	}
	s, _ := t.Value(currentKey{}).(*Scheduler)
	return s
}

// Start spawns the worker threads, returning once all have registered.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stopping || s.started {
		s.mu.Unlock()
		s.logger.Warning().
			Str(`scheduler`, s.name).
			Bool(`stopping`, s.stopping).
			Log(`scheduler start ignored`)
		return
	}
	s.started = true
	ready := make(chan int, s.threadCount)
	for i := 0; i < s.threadCount; i++ {
		s.group.Go(func() error {
			return s.worker(ready)
		})
	}
	s.mu.Unlock()

	for i := 0; i < s.threadCount; i++ {
		id := <-ready
		s.mu.Lock()
		s.threadIDs = append(s.threadIDs, id)
		s.mu.Unlock()
	}
	s.logger.Info().
		Str(`scheduler`, s.name).
		Int(`threads`, s.threadCount).
		Log(`scheduler started`)
}

func (s *Scheduler) worker(ready chan<- int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t := fiber.InitThread()
	defer t.Close()
	ready <- t.ID()
	s.run()
	return nil
}

// Stop requests shutdown, runs the caller's share of the work (if the caller
// participates), and waits for every worker to exit. It is idempotent.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.logger.Debug().Str(`scheduler`, s.name).Log(`scheduler stopping`)

	for i := 0; i < s.threadCount; i++ {
		s.driver.Tickle()
	}
	if s.root != nil {
		s.driver.Tickle()
		if fiber.CurrentThread() != s.rootThread {
			s.logger.Err().
				Str(`scheduler`, s.name).
				Log(`stop must be called from the goroutine that created the scheduler`)
		} else if s.root.State() == fiber.StateReady {
			_ = s.root.Resume()
		}
	}

	if err := s.group.Wait(); err != nil {
		s.logger.Err().Err(err).Str(`scheduler`, s.name).Log(`worker failed`)
	}

	s.mu.Lock()
	owned := s.owned
	s.owned = make(map[*fiber.Fiber]struct{})
	s.mu.Unlock()
	for f := range owned {
		f.Release()
	}

	if s.root != nil && fiber.CurrentThread() == s.rootThread {
		s.root.Release()
		t := s.rootThread
		t.SetSchedulerFiber(nil)
		t.SetValue(currentKey{}, nil)
		t.SetHookEnabled(s.rootHook)
		if s.rootOwned {
			t.Close()
		}
		runtime.UnlockOSThread()
	}

	s.logger.Info().Str(`scheduler`, s.name).Log(`scheduler stopped`)
}

// Schedule queues fn to run in a fiber on any thread.
func (s *Scheduler) Schedule(fn func()) error {
	return s.ScheduleTask(Task{Func: fn, Thread: AnyThread})
}

// ScheduleFiber queues f to be resumed on any thread.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber) error {
	return s.ScheduleTask(Task{Fiber: f, Thread: AnyThread})
}

// ScheduleTask queues a task, waking an idle worker if the queue was empty.
// It is safe to call from any goroutine, including running fibers.
func (s *Scheduler) ScheduleTask(task Task) error {
	if (task.Fiber == nil) == (task.Func == nil) {
		return ErrInvalidTask
	}
	if task.Thread <= 0 {
		task.Thread = AnyThread
	}
	s.mu.Lock()
	tickle := s.tasks.Len() == 0
	s.tasks.PushBack(task)
	s.mu.Unlock()

	s.metrics.TaskScheduled()
	if tickle {
		s.driver.Tickle()
	}
	return nil
}

// Name returns the name given to New.
func (s *Scheduler) Name() string { return s.name }

// ThreadIDs returns the OS thread ids of the caller (if participating) and
// every started worker.
func (s *Scheduler) ThreadIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.threadIDs...)
}

// HasIdleThreads reports whether any worker is running its idle fiber.
func (s *Scheduler) HasIdleThreads() bool { return s.idle.Load() > 0 }

// Stopping reports the driver's quiescence condition.
func (s *Scheduler) Stopping() bool { return s.driver.Stopping() }

// DefaultStopping is true once Stop was called, the queue is empty, and no
// worker is mid-dispatch. Drivers build their own condition on it.
func (s *Scheduler) DefaultStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping && s.tasks.Len() == 0 && s.active.Load() == 0
}

// Driver returns the installed driver.
func (s *Scheduler) Driver() Driver { return s.driver }

// Logger returns the scheduler's logger, which may be nil.
func (s *Scheduler) Logger() *fiberlog.Logger { return s.logger }

// Metrics returns the attached collectors, which may be nil.
func (s *Scheduler) Metrics() *metrics.Metrics { return s.metrics }

// StackSize returns the stack size hint used for scheduler-created fibers.
func (s *Scheduler) StackSize() uint32 { return s.stackSize }
