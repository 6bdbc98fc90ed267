// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package hook

import (
	"time"

	"github.com/joeycumines/go-fiberio/fdctx"
	"github.com/joeycumines/go-fiberio/iomanager"
	"golang.org/x/sys/unix"
)

// Socket is unix.Socket. With hooking enabled the socket is registered with
// [fdctx.Default], which makes it non-blocking at the OS level.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if Enabled() {
		fdctx.Default().Get(fd, true)
	}
	return fd, nil
}

// Connect is ConnectWithTimeout using the timeout set by [SetConnectTimeout].
func Connect(fd int, sa unix.Sockaddr) error {
	ms := connectTimeout.Load()
	if ms == fdctx.NoTimeout {
		return ConnectWithTimeout(fd, sa, -1)
	}
	return ConnectWithTimeout(fd, sa, time.Duration(ms)*time.Millisecond)
}

// ConnectWithTimeout is unix.Connect, except that a hooked connect gives up
// with unix.ETIMEDOUT after timeout. A negative timeout waits indefinitely.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	m, f := active()
	if m == nil {
		return unix.Connect(fd, sa)
	}
	c := fdctx.Default().Get(fd, false)
	if c == nil {
		return unix.Connect(fd, sa)
	}
	if c.IsClosed() {
		return unix.EBADF
	}
	if !c.IsSocket() || c.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err != unix.EINPROGRESS {
		return err
	}
	if err := wait(m, f, c, iomanager.EventWrite, durationMS(timeout), "connect"); err == unix.ETIMEDOUT || err == unix.EBADF {
		return err
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

type accepted struct {
	fd int
	sa unix.Sockaddr
}

// Accept is unix.Accept. Accepted descriptors are registered with
// [fdctx.Default] when hooking is enabled.
func Accept(fd int) (int, unix.Sockaddr, error) {
	v, err := doIO(fd, "accept", iomanager.EventRead, unix.SO_RCVTIMEO, func() (accepted, error) {
		nfd, sa, err := unix.Accept(fd)
		return accepted{nfd, sa}, err
	})
	if err != nil {
		return -1, nil, err
	}
	if Enabled() {
		fdctx.Default().Get(v.fd, true)
	}
	return v.fd, v.sa, nil
}

// Read is unix.Read.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, "read", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv is unix.Readv.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, "readv", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, "recv", iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

type received struct {
	n, oobn, flags int
	from           unix.Sockaddr
}

// Recvfrom is unix.Recvfrom.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	v, err := doIO(fd, "recvfrom", iomanager.EventRead, unix.SO_RCVTIMEO, func() (received, error) {
		n, from, err := unix.Recvfrom(fd, p, flags)
		return received{n: n, from: from}, err
	})
	return v.n, v.from, err
}

// Recvmsg is unix.Recvmsg.
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	v, err := doIO(fd, "recvmsg", iomanager.EventRead, unix.SO_RCVTIMEO, func() (received, error) {
		n, oobn, recvflags, from, err := unix.Recvmsg(fd, p, oob, flags)
		return received{n, oobn, recvflags, from}, err
	})
	return v.n, v.oobn, v.flags, v.from, err
}

// Write is unix.Write.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, "write", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev is unix.Writev.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, "writev", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends on a connected socket, returning the number of bytes sent.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, "send", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// Sendto sends to the given address, returning the number of bytes sent.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, "sendto", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// Sendmsg is unix.SendmsgN.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, "sendmsg", iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}
