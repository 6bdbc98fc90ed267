// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/metrics"
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger    *fiberlog.Logger
	metrics   *metrics.Metrics
	driver    func(*Scheduler) Driver
	stackSize uint32
	loggerSet bool
	hooking   bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions)
}

type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions)
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) {
	o.applySchedulerFunc(opts)
}

// WithLogger sets the logger, nil disables logging. Defaults to
// [fiberlog.Default] at construction.
func WithLogger(l *fiberlog.Logger) Option {
	return &optionImpl{func(opts *schedulerOptions) {
		opts.logger = l
		opts.loggerSet = true
	}}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return &optionImpl{func(opts *schedulerOptions) {
		opts.metrics = m
	}}
}

// WithDriver installs the tickle/idle/stopping behavior. The factory is
// called once, during New.
func WithDriver(factory func(*Scheduler) Driver) Option {
	return &optionImpl{func(opts *schedulerOptions) {
		opts.driver = factory
	}}
}

// WithStackSize sets the stack size hint for the fibers the scheduler
// creates.
func WithStackSize(n uint32) Option {
	return &optionImpl{func(opts *schedulerOptions) {
		opts.stackSize = n
	}}
}

// WithHooking sets whether scheduler threads enable syscall hooking while
// running the scheduler loop. Defaults to true.
func WithHooking(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) {
		opts.hooking = enabled
	}}
}

func resolveOptions(opts []Option) *schedulerOptions {
	cfg := &schedulerOptions{
		hooking: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyScheduler(cfg)
	}
	if !cfg.loggerSet {
		cfg.logger = fiberlog.Default()
	}
	return cfg
}
