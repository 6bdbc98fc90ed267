// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package main

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiberio/fdctx"
	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/hook"
	"github.com/joeycumines/go-fiberio/iomanager"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// listen binds a listening TCP socket, registered with the fd registry.
func listen(addr string) (int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcp.IP.To4(); tcp.IP == nil || ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: tcp.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: tcp.Port}
		copy(sa6.Addr[:], tcp.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	fdctx.Default().Get(fd, true)
	return fd, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), fmt.Sprint(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), fmt.Sprint(sa.Port))
	}
	return "unknown"
}

// server echoes every byte it reads, one fiber per connection.
type server struct {
	iom         *iomanager.IOManager
	logger      *fiberlog.Logger
	lfd         int
	readTimeout time.Duration
	active      prometheus.Gauge
	accepted    prometheus.Counter
	done        chan struct{}
	conns       map[int]struct{}
	mu          sync.Mutex
	closing     atomic.Bool
}

func newServer(iom *iomanager.IOManager, logger *fiberlog.Logger, lfd int, readTimeout time.Duration, namespace string) *server {
	return &server{
		iom:         iom,
		logger:      logger,
		lfd:         lfd,
		readTimeout: readTimeout,
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "echo",
			Name:      "connections",
			Help:      "Open echo connections",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "echo",
			Name:      "connections_accepted_total",
			Help:      "Accepted echo connections",
		}),
		done:  make(chan struct{}),
		conns: make(map[int]struct{}),
	}
}

func (s *server) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.active, s.accepted}
}

// start schedules the accept loop.
func (s *server) start() error {
	return s.iom.Schedule(s.acceptLoop)
}

func (s *server) acceptLoop() {
	defer close(s.done)
	for {
		fd, sa, err := hook.Accept(s.lfd)
		if err != nil {
			if s.closing.Load() || err == unix.EBADF || err == unix.EINVAL {
				s.logger.Debug().Err(err).Log(`accept loop exiting`)
				return
			}
			s.logger.Warning().Err(err).Log(`accept failed`)
			if err == unix.EMFILE || err == unix.ENFILE {
				_ = hook.Usleep(100_000)
			}
			continue
		}
		if !s.track(fd) {
			_ = hook.Close(fd)
			continue
		}
		if s.readTimeout > 0 {
			tv := unix.NsecToTimeval(s.readTimeout.Nanoseconds())
			if err := hook.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
				s.logger.Warning().Err(err).Int(`fd`, fd).Log(`set read timeout failed`)
			}
		}
		s.logger.Debug().
			Int(`fd`, fd).
			Str(`peer`, sockaddrString(sa)).
			Log(`connection accepted`)
		if err := s.iom.Schedule(func() { s.serve(fd) }); err != nil {
			s.logger.Err().Err(err).Int(`fd`, fd).Log(`schedule connection failed`)
			s.release(fd)
		}
	}
}

func (s *server) serve(fd int) {
	defer s.release(fd)
	buf := make([]byte, 4096)
	for {
		n, err := hook.Read(fd, buf)
		if err != nil {
			if err == unix.ETIMEDOUT {
				s.logger.Debug().Int(`fd`, fd).Log(`connection idle`)
			} else if !s.closing.Load() {
				s.logger.Info().Err(err).Int(`fd`, fd).Log(`read failed`)
			}
			return
		}
		if n == 0 {
			return
		}
		for p := buf[:n]; len(p) > 0; {
			w, err := hook.Send(fd, p, unix.MSG_NOSIGNAL)
			if err != nil {
				return
			}
			p = p[w:]
		}
	}
}

func (s *server) track(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[fd] = struct{}{}
	s.active.Inc()
	s.accepted.Inc()
	return true
}

// release forgets fd then closes it, s.mu orders this after any shutdown
// of the same descriptor.
func (s *server) release(fd int) {
	s.mu.Lock()
	delete(s.conns, fd)
	s.active.Set(float64(len(s.conns)))
	s.mu.Unlock()
	_ = hook.Close(fd)
}

// shutdown closes the listener from within the io manager, waking the
// accept loop, and shuts down every open connection, waking their readers.
func (s *server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if err := s.iom.Schedule(func() { _ = hook.Close(s.lfd) }); err != nil {
		s.logger.Err().Err(err).Log(`schedule listener close failed`)
	}
	for fd := range s.conns {
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	}
}
