// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package fiberlog holds the process default logger used by the runtime
// packages, and constructors for the supported backends.
//
// All runtime components accept a *logiface.Logger[logiface.Event] via their
// WithLogger option, falling back to [Default] at construction time. A nil
// logger disables logging.
package fiberlog

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type accepted throughout the module.
type Logger = logiface.Logger[logiface.Event]

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewJSON(os.Stderr, logiface.LevelWarning))
}

// Default returns the process default logger, which may be nil.
func Default() *Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process default logger, returning the previous
// value. Components capture the default when they are constructed.
func SetDefault(l *Logger) *Logger {
	return defaultLogger.Swap(l)
}

// NewJSON returns a logger writing one JSON object per line to w, discarding
// events below level.
func NewJSON(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Discard returns a logger that filters out every event.
func Discard() *Logger {
	return logiface.New[logiface.Event](
		logiface.WithLevel[logiface.Event](logiface.LevelDisabled),
	)
}

// ParseLevel maps the names used in configuration files to logiface levels.
// Unknown names map to [logiface.LevelInformational], and false is returned.
func ParseLevel(s string) (logiface.Level, bool) {
	switch s {
	case `trace`:
		return logiface.LevelTrace, true
	case `debug`:
		return logiface.LevelDebug, true
	case `info`, `informational`:
		return logiface.LevelInformational, true
	case `notice`:
		return logiface.LevelNotice, true
	case `warn`, `warning`:
		return logiface.LevelWarning, true
	case `err`, `error`:
		return logiface.LevelError, true
	case `crit`, `critical`:
		return logiface.LevelCritical, true
	case `disabled`, `off`, `none`:
		return logiface.LevelDisabled, true
	}
	return logiface.LevelInformational, false
}
