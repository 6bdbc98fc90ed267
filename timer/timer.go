// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package timer implements an ordered set of expiry-tagged callbacks, driven
// by a monotonic millisecond clock.
//
// A [Manager] does not run callbacks itself. Its owner polls [Manager.NextTimer]
// to bound how long it may block, and collects due callbacks with
// [Manager.ListExpired].
package timer

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/go-fiberio/internal/clock"
)

// Infinite is returned by [Manager.NextTimer] when no timer is pending.
const Infinite uint64 = math.MaxUint64

// rolloverThreshold is how far the clock must move backwards before every
// pending timer is treated as expired.
const rolloverThreshold = 60 * 60 * 1000

// Liveness reports whether the subject of a conditional timer still exists.
type Liveness interface {
	Alive() bool
}

// LivenessFunc adapts a function to [Liveness].
type LivenessFunc func() bool

func (f LivenessFunc) Alive() bool { return f() }

type weakLiveness[T any] struct {
	p weak.Pointer[T]
}

func (w weakLiveness[T]) Alive() bool { return w.p.Value() != nil }

// Weak adapts a weak pointer, the timer fires only while its referent has not
// been collected.
func Weak[T any](p weak.Pointer[T]) Liveness {
	return weakLiveness[T]{p: p}
}

// Manager is a set of timers ordered by (expiry, id).
type Manager struct {
	now      func() uint64
	onFront  func()
	timers   timerHeap
	mu       sync.RWMutex
	lastID   uint64
	previous uint64
	// tickled latches between a front insertion and the next NextTimer
	tickled atomic.Bool
}

// Timer is a handle to a pending timer.
type Timer struct {
	manager *Manager
	fn      func()
	next    uint64
	period  uint64
	id      uint64
	index   int
	repeat  bool
}

// NewManager constructs an empty manager.
func NewManager(opts ...Option) *Manager {
	cfg := resolveOptions(opts)
	m := &Manager{
		now:     cfg.clock,
		onFront: cfg.onInsertedAtFront,
	}
	m.previous = m.now()
	return m
}

// AddTimer schedules fn to be returned by ListExpired once ms milliseconds
// have elapsed, and every ms milliseconds thereafter if repeat is set.
func (m *Manager) AddTimer(ms uint64, fn func(), repeat bool) *Timer {
	t := &Timer{
		manager: m,
		fn:      fn,
		period:  ms,
		repeat:  repeat,
		index:   -1,
	}
	m.mu.Lock()
	t.next = deadline(m.now(), ms)
	m.insertLocked(t)
	return t
}

// AddConditionalTimer is AddTimer, except fn only runs if cond is alive at
// expiry. The manager holds no strong reference to the subject of cond.
func (m *Manager) AddConditionalTimer(ms uint64, fn func(), cond Liveness, repeat bool) *Timer {
	return m.AddTimer(ms, func() {
		if cond == nil || cond.Alive() {
			fn()
		}
	}, repeat)
}

// NextTimer returns the milliseconds until the earliest timer is due, 0 if
// it is already due, or Infinite if there are none. It re-arms the front
// insertion hook.
func (m *Manager) NextTimer() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tickled.Store(false)
	if len(m.timers) == 0 {
		return Infinite
	}
	next := m.timers[0].next
	if now := m.now(); now < next {
		return next - now
	}
	return 0
}

// ListExpired appends the callbacks of every due timer to dst. Repeating
// timers are rescheduled, one-shot timers are removed and their callbacks
// dropped. If the clock has moved backwards by more than an hour, every
// pending timer is considered due.
func (m *Manager) ListExpired(dst []func()) []func() {
	m.mu.RLock()
	empty := len(m.timers) == 0
	m.mu.RUnlock()
	if empty {
		return dst
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rollover := m.detectRolloverLocked(now)
	var repeat []*Timer
	for len(m.timers) > 0 {
		if !rollover && m.timers[0].next > now {
			break
		}
		t := heap.Pop(&m.timers).(*Timer)
		dst = append(dst, t.fn)
		if t.repeat {
			t.next = deadline(now, t.period)
			repeat = append(repeat, t)
		} else {
			t.fn = nil
		}
	}
	// reinserted after the drain, so a zero period cannot loop
	for _, t := range repeat {
		heap.Push(&m.timers, t)
	}
	return dst
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) > 0
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers)
}

func (m *Manager) detectRolloverLocked(now uint64) bool {
	rollover := now < m.previous && m.previous >= rolloverThreshold && now < m.previous-rolloverThreshold
	m.previous = now
	return rollover
}

// insertLocked pushes t and unlocks, calling the front hook (outside the
// lock) if t became the earliest timer and the latch was clear.
func (m *Manager) insertLocked(t *Timer) {
	m.lastID++
	t.id = m.lastID
	heap.Push(&m.timers, t)
	front := t.index == 0 && m.tickled.CompareAndSwap(false, true)
	m.mu.Unlock()
	if front && m.onFront != nil {
		m.onFront()
	}
}

// Cancel removes a pending timer. It returns false if the timer already
// fired (one-shot) or was canceled.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fn == nil {
		return false
	}
	t.fn = nil
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	return true
}

// Refresh reschedules the timer to fire one period from now.
func (t *Timer) Refresh() bool {
	m := t.manager
	m.mu.Lock()
	if t.fn == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.next = deadline(m.now(), t.period)
	m.insertLocked(t)
	return true
}

// Reset changes the period. With fromNow the timer is due ms from now,
// otherwise ms from the instant its current period started.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	m := t.manager
	m.mu.Lock()
	if ms == t.period && !fromNow {
		m.mu.Unlock()
		return true
	}
	if t.fn == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.index)
	var start uint64
	if fromNow {
		start = m.now()
	} else {
		start = t.next - t.period
	}
	t.period = ms
	t.next = deadline(start, ms)
	m.insertLocked(t)
	return true
}

// deadline is start+ms, saturating short of Infinite.
func deadline(start, ms uint64) uint64 {
	if ms >= Infinite-1-start {
		return Infinite - 1
	}
	return start + ms
}

// Next returns the absolute expiry of the timer, in clock milliseconds.
func (t *Timer) Next() uint64 {
	t.manager.mu.RLock()
	defer t.manager.mu.RUnlock()
	return t.next
}

// timerHeap is a min-heap of timers, ties broken by id
type timerHeap []*Timer

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].id < h[j].id
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	x.index = -1
	*h = old[:n-1]
	return x
}

func defaultClock() uint64 { return clock.ElapsedMS() }
