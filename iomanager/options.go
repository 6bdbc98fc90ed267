// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package iomanager

import (
	"time"

	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/metrics"
	"github.com/joeycumines/go-fiberio/scheduler"
	"github.com/joeycumines/go-fiberio/timer"
)

const (
	// DefaultMaxPollTimeout bounds each epoll wait, so far-future timers
	// never block a worker indefinitely.
	DefaultMaxPollTimeout = 5000 * time.Millisecond

	// DefaultMaxEvents is the epoll_wait batch size.
	DefaultMaxEvents = 256

	initialTableSize = 32
)

type managerOptions struct {
	logger         *fiberlog.Logger
	metrics        *metrics.Metrics
	scheduler      []scheduler.Option
	timer          []timer.Option
	maxPollTimeout time.Duration
	maxEvents      int
	loggerSet      bool
}

// Option configures an IOManager instance.
type Option interface {
	applyManager(*managerOptions)
}

type optionImpl struct {
	applyManagerFunc func(*managerOptions)
}

func (o *optionImpl) applyManager(opts *managerOptions) {
	o.applyManagerFunc(opts)
}

// WithLogger sets the logger, for the manager and its scheduler. Nil
// disables logging.
func WithLogger(l *fiberlog.Logger) Option {
	return &optionImpl{func(opts *managerOptions) {
		opts.logger = l
		opts.loggerSet = true
	}}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return &optionImpl{func(opts *managerOptions) {
		opts.metrics = m
	}}
}

// WithMaxPollTimeout overrides [DefaultMaxPollTimeout].
func WithMaxPollTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *managerOptions) {
		opts.maxPollTimeout = d
	}}
}

// WithMaxEvents overrides [DefaultMaxEvents].
func WithMaxEvents(n int) Option {
	return &optionImpl{func(opts *managerOptions) {
		opts.maxEvents = n
	}}
}

// WithSchedulerOptions passes options through to the embedded scheduler.
// Its driver option is always overridden.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return &optionImpl{func(o *managerOptions) {
		o.scheduler = append(o.scheduler, opts...)
	}}
}

// WithTimerOptions passes options through to the embedded timer manager.
// Its front insertion hook is always overridden.
func WithTimerOptions(opts ...timer.Option) Option {
	return &optionImpl{func(o *managerOptions) {
		o.timer = append(o.timer, opts...)
	}}
}

func resolveOptions(opts []Option) *managerOptions {
	cfg := &managerOptions{
		maxPollTimeout: DefaultMaxPollTimeout,
		maxEvents:      DefaultMaxEvents,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyManager(cfg)
	}
	if !cfg.loggerSet {
		cfg.logger = fiberlog.Default()
	}
	if cfg.maxPollTimeout <= 0 {
		cfg.maxPollTimeout = DefaultMaxPollTimeout
	}
	if cfg.maxEvents <= 0 {
		cfg.maxEvents = DefaultMaxEvents
	}
	return cfg
}
