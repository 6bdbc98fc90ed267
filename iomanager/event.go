// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package iomanager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/metrics"
	"github.com/joeycumines/go-fiberio/scheduler"
	"golang.org/x/sys/unix"
)

// Event is an I/O readiness kind. Values match EPOLLIN and EPOLLOUT.
type Event uint32

const (
	EventNone  Event = 0x0
	EventRead  Event = 0x1
	EventWrite Event = 0x4
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventRead | EventWrite:
		return "read|write"
	default:
		return fmt.Sprintf("Event(%#x)", uint32(e))
	}
}

// Standard errors.
var (
	ErrInvalidEvent  = errors.New("iomanager: event must be exactly one of read or write")
	ErrEventArmed    = errors.New("iomanager: event already armed")
	ErrEventNotArmed = errors.New("iomanager: event not armed")
	ErrNoFiber       = errors.New("iomanager: no callback and caller is not a fiber")
	ErrBadFD         = errors.New("iomanager: bad file descriptor")
)

// eventContext is the continuation of one armed event. At most one of fiber
// and fn is set.
type eventContext struct {
	scheduler *scheduler.Scheduler
	fiber     *fiber.Fiber
	fn        func()
}

type fdContext struct {
	read   eventContext
	write  eventContext
	mu     sync.Mutex
	fd     int
	events Event
}

func (fc *fdContext) event(ev Event) *eventContext {
	if ev == EventRead {
		return &fc.read
	}
	return &fc.write
}

func validEvent(ev Event) bool {
	return ev == EventRead || ev == EventWrite
}

// growSize is the table size needed to index fd from cur entries.
func growSize(fd, cur int) int {
	n := fd * 3 / 2
	if n < fd+1 {
		n = fd + 1
	}
	if n < cur {
		n = cur
	}
	return n
}

// resize grows the table to n entries, the caller holds fdMu (or has
// exclusive access).
func (m *IOManager) resize(n int) {
	if n <= len(m.fds) {
		return
	}
	fds := make([]*fdContext, n)
	copy(fds, m.fds)
	for i := len(m.fds); i < n; i++ {
		fds[i] = &fdContext{fd: i}
	}
	m.fds = fds
}

func (m *IOManager) lookup(fd int) *fdContext {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	if fd < 0 || fd >= len(m.fds) {
		return nil
	}
	return m.fds[fd]
}

func (m *IOManager) context(fd int) *fdContext {
	if fc := m.lookup(fd); fc != nil {
		return fc
	}
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	m.resize(growSize(fd, len(m.fds)))
	return m.fds[fd]
}

func (m *IOManager) ctl(op, fd int, events Event) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(events),
		Fd:     int32(fd),
	}
	err := unix.EpollCtl(m.epfd, op, fd, &ev)
	// the kernel drops registrations for closed descriptors, and a reused
	// descriptor number may still be registered
	switch {
	case err == unix.ENOENT && op == unix.EPOLL_CTL_MOD:
		err = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case err == unix.EEXIST && op == unix.EPOLL_CTL_ADD:
		err = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	case err == unix.ENOENT && op == unix.EPOLL_CTL_DEL:
		err = nil
	}
	if err != nil {
		m.logger.Err().
			Err(err).
			Int(`fd`, fd).
			Str(`op`, ctlOpName(op)).
			Str(`events`, events.String()).
			Log(`epoll_ctl failed`)
		return fmt.Errorf("iomanager: epoll_ctl(%s, %d): %w", ctlOpName(op), fd, err)
	}
	return nil
}

func ctlOpName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "add"
	case unix.EPOLL_CTL_MOD:
		return "mod"
	case unix.EPOLL_CTL_DEL:
		return "del"
	}
	return "unknown"
}

// AddEvent arms ev on fd. When fired (or canceled), fn is scheduled, or if fn
// is nil the calling fiber is rescheduled.
func (m *IOManager) AddEvent(fd int, ev Event, fn func()) error {
	if fd < 0 {
		return ErrBadFD
	}
	if !validEvent(ev) {
		return ErrInvalidEvent
	}
	var f *fiber.Fiber
	if fn == nil {
		if f = fiber.Running(); f == nil {
			return ErrNoFiber
		}
	}

	fc := m.context(fd)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev != 0 {
		return ErrEventArmed
	}

	op := unix.EPOLL_CTL_ADD
	if fc.events != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	if err := m.ctl(op, fd, fc.events|ev); err != nil {
		return err
	}

	m.metrics.PendingEvents(m.pending.Add(1))
	fc.events |= ev
	ec := fc.event(ev)
	ec.scheduler = scheduler.Current()
	if ec.scheduler == nil {
		ec.scheduler = m.Scheduler
	}
	ec.fn = fn
	ec.fiber = f
	return nil
}

// DelEvent disarms ev on fd without running its continuation.
func (m *IOManager) DelEvent(fd int, ev Event) error {
	return m.remove(fd, ev, false)
}

// CancelEvent disarms ev on fd, scheduling its continuation.
func (m *IOManager) CancelEvent(fd int, ev Event) error {
	return m.remove(fd, ev, true)
}

func (m *IOManager) remove(fd int, ev Event, trigger bool) error {
	if fd < 0 {
		return ErrBadFD
	}
	if !validEvent(ev) {
		return ErrInvalidEvent
	}
	fc := m.lookup(fd)
	if fc == nil {
		return ErrEventNotArmed
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return ErrEventNotArmed
	}

	left := fc.events &^ ev
	op := unix.EPOLL_CTL_DEL
	if left != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	if err := m.ctl(op, fd, left); err != nil {
		return err
	}

	if trigger {
		m.trigger(fc, ev, metrics.CauseCancel)
		return nil
	}
	fc.events = left
	*fc.event(ev) = eventContext{}
	m.metrics.PendingEvents(m.pending.Add(-1))
	return nil
}

// CancelAll deregisters fd, scheduling the continuations of every armed
// event.
func (m *IOManager) CancelAll(fd int) error {
	if fd < 0 {
		return ErrBadFD
	}
	fc := m.lookup(fd)
	if fc == nil {
		return ErrEventNotArmed
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events == EventNone {
		return ErrEventNotArmed
	}
	if err := m.ctl(unix.EPOLL_CTL_DEL, fd, EventNone); err != nil {
		return err
	}
	if fc.events&EventRead != 0 {
		m.trigger(fc, EventRead, metrics.CauseCancel)
	}
	if fc.events&EventWrite != 0 {
		m.trigger(fc, EventWrite, metrics.CauseCancel)
	}
	return nil
}

// armed returns the events currently armed on fd.
func (m *IOManager) armed(fd int) Event {
	fc := m.lookup(fd)
	if fc == nil {
		return EventNone
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.events
}

// ready handles an epoll notification for fc.
func (m *IOManager) ready(fc *fdContext, got uint32) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if got&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		got |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(fc.events)
	}
	var fired Event
	if got&unix.EPOLLIN != 0 {
		fired |= EventRead
	}
	if got&unix.EPOLLOUT != 0 {
		fired |= EventWrite
	}
	fired &= fc.events
	if fired == EventNone {
		return
	}

	left := fc.events &^ fired
	op := unix.EPOLL_CTL_DEL
	if left != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	if err := m.ctl(op, fc.fd, left); err != nil {
		return
	}

	if fired&EventRead != 0 {
		m.trigger(fc, EventRead, metrics.CauseReady)
	}
	if fired&EventWrite != 0 {
		m.trigger(fc, EventWrite, metrics.CauseReady)
	}
}

// trigger disarms ev and schedules its continuation, fc.mu must be held.
func (m *IOManager) trigger(fc *fdContext, ev Event, cause string) {
	ec := fc.event(ev)
	s := ec.scheduler
	if s == nil {
		s = m.Scheduler
	}
	fn, f := ec.fn, ec.fiber
	*ec = eventContext{}
	fc.events &^= ev
	m.metrics.PendingEvents(m.pending.Add(-1))
	m.metrics.EventTriggered(ev.String(), cause)

	var err error
	switch {
	case fn != nil:
		err = s.Schedule(fn)
	case f != nil:
		err = s.ScheduleFiber(f)
	}
	if err != nil {
		m.logger.Err().Err(err).Int(`fd`, fc.fd).Str(`event`, ev.String()).Log(`trigger failed`)
	}
}
