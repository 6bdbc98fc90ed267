// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package timer

// Option configures a [Manager].
type Option interface {
	applyManager(*managerOptions)
}

type managerOptions struct {
	clock             func() uint64
	onInsertedAtFront func()
}

type optionImpl struct {
	applyManagerFunc func(*managerOptions)
}

func (o *optionImpl) applyManager(opts *managerOptions) {
	o.applyManagerFunc(opts)
}

// WithClock replaces the monotonic millisecond clock.
func WithClock(now func() uint64) Option {
	return &optionImpl{func(opts *managerOptions) {
		opts.clock = now
	}}
}

// WithOnInsertedAtFront sets a hook called (without locks held) when a timer
// becomes the earliest pending timer. It is latched, firing at most once
// between calls to [Manager.NextTimer].
func WithOnInsertedAtFront(fn func()) Option {
	return &optionImpl{func(opts *managerOptions) {
		opts.onInsertedAtFront = fn
	}}
}

func resolveOptions(opts []Option) *managerOptions {
	cfg := &managerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt.applyManager(cfg)
		}
	}
	if cfg.clock == nil {
		cfg.clock = defaultClock
	}
	return cfg
}
