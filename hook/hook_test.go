// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package hook

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/go-fiberio/fdctx"
	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/iomanager"
	"github.com/joeycumines/go-fiberio/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	fiberlog.SetDefault(fiberlog.Discard())
	os.Exit(m.Run())
}

func newManager(t *testing.T, opts ...iomanager.Option) *iomanager.IOManager {
	t.Helper()
	m, err := iomanager.New(1, false, t.Name(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// run executes fn in a fiber on m, waiting for it to return.
func run(t *testing.T, m *iomanager.IOManager, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, m.Schedule(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("fiber did not finish")
	}
}

// newSocketpair returns a registered, connected pair of stream sockets.
func newSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NotNil(t, fdctx.Default().Get(fd, true))
	}
	t.Cleanup(func() {
		_ = Close(fds[0])
		_ = Close(fds[1])
	})
	return fds[0], fds[1]
}

func newListener(t *testing.T) (int, *unix.SockaddrInet4) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 16))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	addr := sa.(*unix.SockaddrInet4)
	return fd, &unix.SockaddrInet4{Addr: addr.Addr, Port: addr.Port}
}

func TestSetEnabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.False(t, Enabled())
		SetEnabled(false)
		assert.Nil(t, fiber.CurrentThread(), "disabling should not register the thread")

		SetEnabled(true)
		assert.True(t, Enabled())
		th := fiber.CurrentThread()
		if assert.NotNil(t, th) {
			assert.True(t, th.HookEnabled())
			SetEnabled(false)
			assert.False(t, Enabled())
			th.Close()
		}
	}()
	<-done
}

func TestConnectTimeoutSetting(t *testing.T) {
	defer SetConnectTimeout(DefaultConnectTimeout)
	assert.Equal(t, DefaultConnectTimeout, ConnectTimeout())
	SetConnectTimeout(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, ConnectTimeout())
	SetConnectTimeout(-1)
	assert.Less(t, ConnectTimeout(), time.Duration(0))
}

func TestHook_EnabledInWorkers(t *testing.T) {
	m := newManager(t)
	var enabled bool
	run(t, m, func() { enabled = Enabled() })
	assert.True(t, enabled)
}

func TestRead_Timeout(t *testing.T) {
	mt := metrics.New("test")
	m := newManager(t, iomanager.WithMetrics(mt))
	a, _ := newSocketpair(t)

	var (
		n             int
		err, setErr   error
		elapsed       time.Duration
		before, after int
	)
	run(t, m, func() {
		before = fiber.CurrentThread().ID()
		setErr = SetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 1})
		start := time.Now()
		n, err = Read(a, make([]byte, 16))
		elapsed = time.Since(start)
		after = fiber.CurrentThread().ID()
	})

	require.NoError(t, setErr)
	assert.Equal(t, unix.ETIMEDOUT, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, before, after, "fiber should resume on the thread it suspended from")
	assert.Equal(t, uint64(1000), fdctx.Default().Get(a, false).Timeout(unix.SO_RCVTIMEO))
	reg := prometheus.NewRegistry()
	require.NoError(t, mt.Register(reg))
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP test_hook_timeouts_total Total number of hooked calls that failed with ETIMEDOUT
# TYPE test_hook_timeouts_total counter
test_hook_timeouts_total{call="read"} 1
`), "test_hook_timeouts_total"))
	assert.Zero(t, m.PendingEvents())
}

func TestRead_WaitsForData(t *testing.T) {
	m := newManager(t)
	a, b := newSocketpair(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = unix.Write(b, []byte("hello"))
	}()

	var (
		n   int
		err error
		buf = make([]byte, 16)
	)
	run(t, m, func() { n, err = Read(a, buf) })
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Zero(t, m.PendingEvents())
}

func TestWrite_WaitsForBuffer(t *testing.T) {
	m := newManager(t)
	a, b := newSocketpair(t)

	require.NoError(t, unix.SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))
	chunk := make([]byte, 4096)
	for {
		if _, err := unix.Write(a, chunk); err != nil {
			require.Equal(t, unix.EAGAIN, err)
			break
		}
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		buf := make([]byte, 1<<16)
		for i := 0; i < 64; i++ {
			if _, err := unix.Read(b, buf); err != nil {
				return
			}
		}
	}()

	var (
		n   int
		err error
	)
	run(t, m, func() { n, err = Write(a, []byte("x")) })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRead_UserNonblock(t *testing.T) {
	m := newManager(t)
	a, _ := newSocketpair(t)

	var err, setErr error
	run(t, m, func() {
		flags, _ := Fcntl(a, unix.F_GETFL, 0)
		_, setErr = Fcntl(a, unix.F_SETFL, flags|unix.O_NONBLOCK)
		_, err = Read(a, make([]byte, 1))
	})
	require.NoError(t, setErr)
	assert.Equal(t, unix.EAGAIN, err)
	assert.Zero(t, m.PendingEvents())
}

func TestRead_Disabled(t *testing.T) {
	a, b := newSocketpair(t)

	// the test goroutine is not a hooked fiber, so calls go straight through
	_, err := Read(a, make([]byte, 1))
	assert.Equal(t, unix.EAGAIN, err)

	_, err = Write(b, []byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	n, err := Read(a, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}

func TestClose_WakesWaiter(t *testing.T) {
	m := newManager(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	a := fds[0]
	c := fdctx.Default().Get(a, true)

	readErr := make(chan error, 1)
	require.NoError(t, m.Schedule(func() {
		_, err := Read(a, make([]byte, 1))
		readErr <- err
	}))
	require.Eventually(t, func() bool { return m.PendingEvents() == 1 }, 5*time.Second, time.Millisecond)

	var closeErr error
	run(t, m, func() { closeErr = Close(a) })
	require.NoError(t, closeErr)
	assert.True(t, c.IsClosed())
	assert.Nil(t, fdctx.Default().Get(a, false))

	select {
	case err := <-readErr:
		assert.Equal(t, unix.EBADF, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader not woken by close")
	}
}

func TestRead_CanceledAfterCloseMarked(t *testing.T) {
	m := newManager(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	a := fds[0]
	require.NotNil(t, fdctx.Default().Get(a, true))

	readErr := make(chan error, 1)
	require.NoError(t, m.Schedule(func() {
		_, err := Read(a, make([]byte, 1))
		readErr <- err
	}))
	require.Eventually(t, func() bool { return m.PendingEvents() == 1 }, 5*time.Second, time.Millisecond)

	// the descriptor stays open, so a retry would block again
	fdctx.Default().Del(a)
	require.NoError(t, m.CancelAll(a))

	select {
	case err := <-readErr:
		assert.Equal(t, unix.EBADF, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader re-armed a closed descriptor")
	}
	assert.Zero(t, m.PendingEvents())
}

func TestWait_ClosedBeforeArming(t *testing.T) {
	m := newManager(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	c := fdctx.Default().Get(fds[0], true)
	require.NotNil(t, c)
	fdctx.Default().Del(fds[0])

	var waitErr error
	run(t, m, func() {
		waitErr = wait(m, fiber.Running(), c, iomanager.EventRead, fdctx.NoTimeout, "read")
	})
	assert.Equal(t, unix.EBADF, waitErr)
	assert.Zero(t, m.PendingEvents())
}

func TestAcceptConnect_Echo(t *testing.T) {
	m := newManager(t)
	lfd, addr := newListener(t)
	require.NotNil(t, fdctx.Default().Get(lfd, true))

	serverDone := make(chan error, 1)
	require.NoError(t, m.Schedule(func() {
		serverDone <- func() error {
			cfd, _, err := Accept(lfd)
			if err != nil {
				return err
			}
			defer Close(cfd)
			buf := make([]byte, 64)
			n, err := Read(cfd, buf)
			if err != nil {
				return err
			}
			_, err = Write(cfd, buf[:n])
			return err
		}()
	}))

	var reply []byte
	var sockErr, connErr, writeErr, readErr error
	var registered, socket bool
	run(t, m, func() {
		fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if sockErr = err; err != nil {
			return
		}
		defer Close(fd)
		c := fdctx.Default().Get(fd, false)
		registered = c != nil
		socket = registered && c.IsSocket() && c.SysNonblock()
		if connErr = Connect(fd, addr); connErr != nil {
			return
		}
		if _, writeErr = Write(fd, []byte("ping")); writeErr != nil {
			return
		}
		buf := make([]byte, 64)
		var n int
		n, readErr = Read(fd, buf)
		reply = buf[:n]
	})

	require.NoError(t, sockErr)
	assert.True(t, registered)
	assert.True(t, socket)
	require.NoError(t, connErr)
	require.NoError(t, writeErr)
	require.NoError(t, readErr)
	assert.Equal(t, "ping", string(reply))
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server fiber did not finish")
	}
}

func TestConnect_Timeout(t *testing.T) {
	m := newManager(t)

	var (
		err     error
		elapsed time.Duration
	)
	run(t, m, func() {
		fd, serr := Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if serr != nil {
			err = serr
			return
		}
		defer Close(fd)
		start := time.Now()
		err = ConnectWithTimeout(fd, &unix.SockaddrInet4{Addr: [4]byte{10, 255, 255, 1}, Port: 81}, 200*time.Millisecond)
		elapsed = time.Since(start)
	})

	switch err {
	case unix.ENETUNREACH, unix.EHOSTUNREACH, unix.ECONNREFUSED, unix.EACCES, unix.EPERM:
		t.Skipf("no route to test address: %v", err)
	}
	assert.Equal(t, unix.ETIMEDOUT, err)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Zero(t, m.PendingEvents())
}

func TestSleep_DoesNotBlockThread(t *testing.T) {
	m := newManager(t)

	const sleepers = 3
	done := make(chan time.Duration, sleepers)
	start := time.Now()
	for i := 0; i < sleepers; i++ {
		require.NoError(t, m.Schedule(func() {
			s := time.Now()
			_ = Usleep(200_000)
			done <- time.Since(s)
		}))
	}
	for i := 0; i < sleepers; i++ {
		select {
		case d := <-done:
			assert.GreaterOrEqual(t, d, 180*time.Millisecond)
		case <-time.After(5 * time.Second):
			t.Fatal("sleeper did not wake")
		}
	}
	// one worker thread, so sequential OS sleeps would take 600ms
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSleep_Variants(t *testing.T) {
	m := newManager(t)

	rem := unix.Timespec{Sec: 9}
	var left uint
	var nsErr, badErr error
	var elapsed time.Duration
	run(t, m, func() {
		start := time.Now()
		req := unix.NsecToTimespec(int64(50 * time.Millisecond))
		nsErr = Nanosleep(&req, &rem)
		left = Sleep(0)
		elapsed = time.Since(start)
		badErr = Nanosleep(&unix.Timespec{Nsec: 2e9}, nil)
	})
	require.NoError(t, nsErr)
	assert.Zero(t, left)
	assert.Equal(t, unix.Timespec{}, rem)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Equal(t, unix.EINVAL, badErr)

	// unhooked
	start := time.Now()
	require.NoError(t, Usleep(10_000))
	assert.GreaterOrEqual(t, time.Since(start), 9*time.Millisecond)
	assert.Zero(t, Sleep(0))
}

func TestFcntl_MasksNonblock(t *testing.T) {
	a, _ := newSocketpair(t)
	c := fdctx.Default().Get(a, false)
	require.NotNil(t, c)

	raw := func() int {
		flags, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
		require.NoError(t, err)
		return flags
	}

	flags, err := Fcntl(a, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK, "user view should be blocking")
	assert.NotZero(t, raw()&unix.O_NONBLOCK)

	_, err = Fcntl(a, unix.F_SETFL, flags|unix.O_NONBLOCK)
	require.NoError(t, err)
	assert.True(t, c.UserNonblock())
	flags, err = Fcntl(a, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)

	_, err = Fcntl(a, unix.F_SETFL, flags&^unix.O_NONBLOCK)
	require.NoError(t, err)
	assert.False(t, c.UserNonblock())
	assert.NotZero(t, raw()&unix.O_NONBLOCK, "OS flag must survive")

	require.NoError(t, Ioctl(a, FIONBIO, 1))
	assert.True(t, c.UserNonblock())
	require.NoError(t, Ioctl(a, FIONBIO, 0))
	assert.False(t, c.UserNonblock())
	assert.NotZero(t, raw()&unix.O_NONBLOCK, "OS flag must survive")

	fd, err := Fcntl(a, unix.F_DUPFD_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))
}

func TestFcntl_Unregistered(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	_, err := Fcntl(p[0], unix.F_SETFL, unix.O_NONBLOCK)
	require.NoError(t, err)
	flags, err := Fcntl(p[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestSockopts(t *testing.T) {
	m := newManager(t)
	a, _ := newSocketpair(t)

	var (
		tv             *unix.Timeval
		getErr, setErr error
		zeroErr        error
	)
	run(t, m, func() {
		setErr = SetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &unix.Timeval{Usec: 300_000})
		tv, getErr = GetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_SNDTIMEO)
	})
	require.NoError(t, setErr)
	require.NoError(t, getErr)
	assert.Equal(t, uint64(300), fdctx.Default().Get(a, false).Timeout(unix.SO_SNDTIMEO))
	assert.NotZero(t, tv.Usec)

	run(t, m, func() {
		zeroErr = SetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &unix.Timeval{})
	})
	require.NoError(t, zeroErr)
	assert.Equal(t, fdctx.NoTimeout, fdctx.Default().Get(a, false).Timeout(unix.SO_SNDTIMEO))

	require.NoError(t, SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 8192))
	v, err := GetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 8192)
}

func TestVectoredAndMsgVariants(t *testing.T) {
	m := newManager(t)
	a, b := newSocketpair(t)

	var writeErrs []error
	wrote := make(chan struct{})
	require.NoError(t, m.Schedule(func() {
		defer close(wrote)
		pause := func() { writeErrs = append(writeErrs, Usleep(30_000)) }
		pause()
		_, err := Writev(b, [][]byte{[]byte("ab"), []byte("cd")})
		writeErrs = append(writeErrs, err)
		pause()
		_, err = Sendto(b, []byte("ef"), 0, nil)
		writeErrs = append(writeErrs, err)
		pause()
		_, err = Sendmsg(b, []byte("gh"), nil, nil, 0)
		writeErrs = append(writeErrs, err)
	}))

	var (
		got  []string
		errs []error
	)
	run(t, m, func() {
		x, y := make([]byte, 2), make([]byte, 2)
		n, err := Readv(a, [][]byte{x, y})
		errs = append(errs, err)
		if n == 4 {
			got = append(got, string(x)+string(y))
		}

		buf := make([]byte, 16)
		n, _, err = Recvfrom(a, buf, 0)
		errs = append(errs, err)
		if err == nil {
			got = append(got, string(buf[:n]))
		}

		n, _, _, _, err = Recvmsg(a, buf, nil, 0)
		errs = append(errs, err)
		if err == nil {
			got = append(got, string(buf[:n]))
		}
	})
	<-wrote

	for _, err := range append(writeErrs, errs...) {
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"abcd", "ef", "gh"}, got)
	assert.Zero(t, m.PendingEvents())
}
