// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

// Package iomanager bridges edge-triggered epoll readiness to fiber
// resumption.
//
// An [IOManager] is a scheduler whose idle fibers block in epoll_wait, and a
// timer manager whose expired callbacks are dispatched through the
// scheduler's queue. Arming an event with no callback captures the calling
// fiber, which is rescheduled once the descriptor is ready (or the event is
// canceled).
package iomanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/metrics"
	"github.com/joeycumines/go-fiberio/scheduler"
	"github.com/joeycumines/go-fiberio/timer"
	"golang.org/x/sys/unix"
)

// IOManager is a scheduler driven by epoll, with an integrated timer manager.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager
	logger         *fiberlog.Logger
	metrics        *metrics.Metrics
	fds            []*fdContext
	fdMu           sync.RWMutex
	closeOnce      sync.Once
	closeErr       error
	pending        atomic.Int64
	maxPollTimeout time.Duration
	maxEvents      int
	epfd           int
	wakeFd         int
}

var (
	_ scheduler.Driver = (*IOManager)(nil)
)

// New creates the epoll instance and wake-up eventfd, then constructs and
// starts the scheduler. See [scheduler.New] for threads and useCaller.
func New(threads int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	cfg := resolveOptions(opts)
	m := &IOManager{
		logger:         cfg.logger,
		metrics:        cfg.metrics,
		maxPollTimeout: cfg.maxPollTimeout,
		maxEvents:      cfg.maxEvents,
		epfd:           -1,
		wakeFd:         -1,
	}

	if err := m.init(); err != nil {
		m.logger.Err().Err(err).Str(`iomanager`, name).Log(`iomanager setup failed`)
		m.closeFDs()
		return nil, err
	}

	m.Manager = timer.NewManager(append(cfg.timer, timer.WithOnInsertedAtFront(m.onTimerInsertedAtFront))...)

	schedOpts := append([]scheduler.Option{
		scheduler.WithLogger(cfg.logger),
		scheduler.WithMetrics(cfg.metrics),
	}, cfg.scheduler...)
	schedOpts = append(schedOpts, scheduler.WithDriver(func(*scheduler.Scheduler) scheduler.Driver {
		return m
	}))
	m.Scheduler = scheduler.New(threads, useCaller, name, schedOpts...)
	m.Start()
	return m, nil
}

func (m *IOManager) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("iomanager: epoll_create1: %w", err)
	}
	m.epfd = epfd

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("iomanager: eventfd: %w", err)
	}
	m.wakeFd = wakeFd

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(wakeFd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		return fmt.Errorf("iomanager: epoll_ctl(add wake fd): %w", err)
	}

	m.resize(initialTableSize)
	return nil
}

// Current returns the IOManager of the calling thread, or nil.
func Current() *IOManager {
	s := scheduler.Current()
	if s == nil {
		return nil
	}
	m, _ := s.Driver().(*IOManager)
	return m
}

// PendingEvents returns the number of armed events.
func (m *IOManager) PendingEvents() int64 { return m.pending.Load() }

// Close stops the scheduler (waiting for pending events and timers to drain)
// then releases the epoll instance and eventfd. With useCaller it must be
// called from the goroutine that called New.
func (m *IOManager) Close() error {
	m.closeOnce.Do(func() {
		m.Stop()
		m.closeErr = m.closeFDs()
	})
	return m.closeErr
}

func (m *IOManager) closeFDs() error {
	var errs []error
	if m.epfd >= 0 {
		errs = append(errs, unix.Close(m.epfd))
		m.epfd = -1
	}
	if m.wakeFd >= 0 {
		errs = append(errs, unix.Close(m.wakeFd))
		m.wakeFd = -1
	}
	return errors.Join(errs...)
}

// Tickle wakes a worker blocked in epoll_wait, if any are idle.
func (m *IOManager) Tickle() {
	if !m.HasIdleThreads() {
		return
	}
	m.metrics.Tickle()
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(m.wakeFd, buf[:]); err != nil && err != unix.EAGAIN {
		m.logger.Warning().Err(err).Log(`iomanager tickle failed`)
	}
}

func (m *IOManager) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakeFd, buf[:]); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
	}
}

func (m *IOManager) onTimerInsertedAtFront() {
	m.Tickle()
}

// Stopping holds once no timers remain, no events are armed, and the
// scheduler itself may stop.
func (m *IOManager) Stopping() bool {
	_, stop := m.stopping()
	return stop
}

func (m *IOManager) stopping() (next uint64, stop bool) {
	next = m.NextTimer()
	stop = next == timer.Infinite && m.pending.Load() == 0 && m.DefaultStopping()
	return
}

// Idle is the body of each worker's idle fiber.
func (m *IOManager) Idle() {
	events := make([]unix.EpollEvent, m.maxEvents)
	var fns []func()
	ceiling := uint64(m.maxPollTimeout / time.Millisecond)

	for {
		next, stop := m.stopping()
		if stop {
			m.logger.Debug().Str(`iomanager`, m.Name()).Log(`idle exiting`)
			// a tickle wakes one epoll waiter, pass it on to the next
			m.Tickle()
			return
		}

		timeout := ceiling
		if next < timeout {
			timeout = next
		}
		n, err := m.wait(events, int(timeout))
		if err != nil {
			m.logger.Err().Err(err).Str(`iomanager`, m.Name()).Log(`epoll_wait failed`)
			n = 0
		}

		fns = m.ListExpired(fns[:0])
		for _, fn := range fns {
			_ = m.Schedule(fn)
		}
		m.metrics.TimersFired(len(fns))
		clear(fns)

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == m.wakeFd {
				m.drainWake()
				continue
			}
			if fc := m.lookup(fd); fc != nil {
				m.ready(fc, events[i].Events)
			}
		}

		_ = fiber.Yield()
	}
}

func (m *IOManager) wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(m.epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
