// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"errors"
)

var (
	// ErrNotReady is returned by Resume when the fiber is not in StateReady.
	ErrNotReady = errors.New("fiber: not ready")

	// ErrBaseFiber is returned when resuming a thread's base fiber.
	ErrBaseFiber = errors.New("fiber: cannot resume a thread base fiber")

	// ErrNoThread is returned when the calling goroutine is neither a
	// registered thread nor a fiber.
	ErrNoThread = errors.New("fiber: calling goroutine is not a registered thread")

	// ErrNotCurrent is returned by Yield when called from outside the fiber.
	ErrNotCurrent = errors.New("fiber: not the current fiber")

	// ErrNoStack is returned when resetting a fiber that owns no execution
	// context.
	ErrNoStack = errors.New("fiber: no execution context")

	// ErrNotTerm is returned when resetting a fiber that has not finished.
	ErrNotTerm = errors.New("fiber: not terminated")

	// ErrReleased is returned when resuming or resetting a released fiber.
	ErrReleased = errors.New("fiber: released")
)
