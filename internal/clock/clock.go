// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

// Package clock provides the monotonic millisecond clock used by timers.
package clock

import (
	"golang.org/x/sys/unix"
)

// ElapsedMS returns CLOCK_MONOTONIC_RAW in milliseconds.
func ElapsedMS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		// CLOCK_MONOTONIC is always available
		_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	}
	return uint64(ts.Sec)*1000 + uint64(ts.Nsec)/1000000
}
