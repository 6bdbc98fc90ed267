// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	fiberlog.SetDefault(fiberlog.Discard())
	os.Exit(m.Run())
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks")
	}
}

func TestScheduler_CallerOnlyRunsInOrder(t *testing.T) {
	s := New(1, true, "caller")
	s.Start()

	var order []int
	require.NoError(t, s.Schedule(func() { order = append(order, 1) }))
	require.NoError(t, s.Schedule(func() { order = append(order, 2) }))
	assert.Empty(t, order)

	s.Stop()
	assert.Equal(t, []int{1, 2}, order)
	assert.Len(t, s.ThreadIDs(), 1)
	assert.Nil(t, fiber.CurrentThread())
}

func TestScheduler_Workers(t *testing.T) {
	s := New(4, false, "workers")
	s.Start()
	defer s.Stop()
	assert.Len(t, s.ThreadIDs(), 4)

	var (
		wg    sync.WaitGroup
		count atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		require.NoError(t, s.Schedule(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	waitTimeout(t, &wg, 5*time.Second)
	assert.Equal(t, int64(200), count.Load())
}

func TestScheduler_Affinity(t *testing.T) {
	s := New(3, false, "affinity")
	s.Start()
	defer s.Stop()

	ids := s.ThreadIDs()
	require.Len(t, ids, 3)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ran = map[int][]int{}
	)
	for round := 0; round < 10; round++ {
		for _, id := range ids {
			wg.Add(1)
			require.NoError(t, s.ScheduleTask(Task{
				Func: func() {
					defer wg.Done()
					mu.Lock()
					ran[id] = append(ran[id], fiber.CurrentThread().ID())
					mu.Unlock()
				},
				Thread: id,
			}))
		}
	}
	waitTimeout(t, &wg, 5*time.Second)
	for _, id := range ids {
		require.Len(t, ran[id], 10)
		for _, got := range ran[id] {
			assert.Equal(t, id, got)
		}
	}
}

func TestScheduler_FiberReschedulesItself(t *testing.T) {
	s := New(2, false, "yield")
	s.Start()
	defer s.Stop()

	var (
		steps []int
		wg    sync.WaitGroup
	)
	wg.Add(1)
	f := fiber.New(func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			steps = append(steps, i)
			self := fiber.Current()
			_ = Current().ScheduleFiber(self)
			_ = fiber.Yield()
		}
	})
	defer f.Release()
	require.NoError(t, s.ScheduleFiber(f))
	waitTimeout(t, &wg, 5*time.Second)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, steps)
	assert.Eventually(t, func() bool { return f.State() == fiber.StateTerm }, time.Second, time.Millisecond)
}

func TestScheduler_CurrentAndHooking(t *testing.T) {
	for _, hooking := range []bool{true, false} {
		s := New(1, false, "current", WithHooking(hooking))
		s.Start()

		type result struct {
			current *Scheduler
			hook    bool
		}
		ch := make(chan result, 1)
		require.NoError(t, s.Schedule(func() {
			ch <- result{Current(), fiber.CurrentThread().HookEnabled()}
		}))
		select {
		case r := <-ch:
			assert.Same(t, s, r.current)
			assert.Equal(t, hooking, r.hook)
		case <-time.After(5 * time.Second):
			t.Fatal("task did not run")
		}
		s.Stop()
	}
	assert.Nil(t, Current())
}

func TestScheduler_PanicDoesNotKillWorker(t *testing.T) {
	s := New(1, false, "panic")
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	require.NoError(t, s.Schedule(func() { panic("boom") }))
	require.NoError(t, s.Schedule(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestScheduler_FunctionFiberReused(t *testing.T) {
	s := New(1, false, "reuse")
	s.Start()
	defer s.Stop()

	// warm up the worker's function fiber
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, s.Schedule(wg.Done))
	waitTimeout(t, &wg, 5*time.Second)

	before := fiber.StackAllocs()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, s.Schedule(wg.Done))
		waitTimeout(t, &wg, 5*time.Second)
	}
	assert.Equal(t, before, fiber.StackAllocs())
}

func TestScheduler_SuspendedCallbackIsResumable(t *testing.T) {
	s := New(2, false, "suspend")
	s.Start()
	defer s.Stop()

	parked := make(chan *fiber.Fiber, 1)
	done := make(chan struct{})
	require.NoError(t, s.Schedule(func() {
		parked <- fiber.Current()
		_ = fiber.Yield()
		close(done)
	}))

	var f *fiber.Fiber
	select {
	case f = <-parked:
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not run")
	}
	require.Eventually(t, func() bool { return f.State() == fiber.StateReady }, time.Second, time.Millisecond)
	require.NoError(t, s.ScheduleFiber(f))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("suspended callback was not resumed")
	}
}

func TestScheduler_InvalidTask(t *testing.T) {
	s := New(1, false, "invalid")
	assert.ErrorIs(t, s.ScheduleTask(Task{}), ErrInvalidTask)
	f := fiber.New(func() {})
	defer f.Release()
	assert.ErrorIs(t, s.ScheduleTask(Task{Fiber: f, Func: func() {}}), ErrInvalidTask)
	s.Stop()
}

func TestScheduler_StopIdempotent(t *testing.T) {
	s := New(2, false, "idempotent")
	s.Start()
	s.Stop()
	s.Stop()
	assert.True(t, s.Stopping())
	assert.True(t, s.DefaultStopping())

	// ignored after stop
	s.Start()
	assert.Len(t, s.ThreadIDs(), 2)
}

func TestScheduler_StopDrainsQueue(t *testing.T) {
	s := New(2, false, "drain")
	var count atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Schedule(func() { count.Add(1) }))
	}
	s.Start()
	s.Stop()
	assert.Equal(t, int64(20), count.Load())
}

func TestScheduler_IdleThreads(t *testing.T) {
	m := metrics.New("sched_test")
	s := New(2, false, "idle", WithMetrics(m))
	assert.Same(t, m, s.Metrics())
	s.Start()
	defer s.Stop()
	assert.Eventually(t, s.HasIdleThreads, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, s.Schedule(wg.Done))
	waitTimeout(t, &wg, 5*time.Second)
	assert.Equal(t, "idle", s.Name())
}

type countingDriver struct {
	s       *Scheduler
	tickles atomic.Int64
}

func (d *countingDriver) Tickle()        { d.tickles.Add(1) }
func (d *countingDriver) Stopping() bool { return d.s.DefaultStopping() }
func (d *countingDriver) Idle() {
	for !d.Stopping() {
		_ = fiber.Yield()
	}
}

func TestScheduler_TickleOnlyWhenQueueWasEmpty(t *testing.T) {
	var d *countingDriver
	s := New(1, false, "tickle", WithDriver(func(s *Scheduler) Driver {
		d = &countingDriver{s: s}
		return d
	}), WithMetrics(metrics.New("tickle_test")))
	require.Same(t, d, s.Driver())

	require.NoError(t, s.Schedule(func() {}))
	require.NoError(t, s.Schedule(func() {}))
	require.NoError(t, s.Schedule(func() {}))
	assert.Equal(t, int64(1), d.tickles.Load())

	s.Start()
	s.Stop()
	reg := prometheus.NewRegistry()
	require.NoError(t, s.Metrics().Register(reg))
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP tickle_test_scheduler_tasks_scheduled_total Total number of tasks pushed onto the scheduler queue
# TYPE tickle_test_scheduler_tasks_scheduled_total counter
tickle_test_scheduler_tasks_scheduled_total 3
`), "tickle_test_scheduler_tasks_scheduled_total"))
}
