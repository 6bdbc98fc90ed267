// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

// DefaultStackSize is the stack size hint used when none is given.
const DefaultStackSize = 128 * 1024

// Option configures a [Fiber].
type Option interface {
	applyFiber(*fiberOptions)
}

type fiberOptions struct {
	stackSize      uint32
	runInScheduler bool
}

type optionImpl struct {
	applyFiberFunc func(*fiberOptions)
}

func (o *optionImpl) applyFiber(opts *fiberOptions) {
	o.applyFiberFunc(opts)
}

// WithStackSize records a stack size hint. Zero selects [DefaultStackSize].
// The Go runtime grows goroutine stacks on demand, so the value is reported
// by [Fiber.StackSize] but does not bound the fiber.
func WithStackSize(n uint32) Option {
	return &optionImpl{func(opts *fiberOptions) {
		opts.stackSize = n
	}}
}

// WithRunInScheduler selects where control goes when the fiber yields: the
// thread's scheduler fiber (true, the default) or the thread's base fiber.
func WithRunInScheduler(v bool) Option {
	return &optionImpl{func(opts *fiberOptions) {
		opts.runInScheduler = v
	}}
}

func resolveOptions(opts []Option) *fiberOptions {
	cfg := &fiberOptions{
		stackSize:      DefaultStackSize,
		runInScheduler: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyFiber(cfg)
		}
	}
	if cfg.stackSize == 0 {
		cfg.stackSize = DefaultStackSize
	}
	return cfg
}
