// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberlog

import (
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type (
	zerologEvent struct {
		logiface.UnimplementedEvent
		z   *zerolog.Event
		lvl logiface.Level
		msg string
	}

	zerologWriter struct {
		z zerolog.Logger
	}
)

var (
	// compile time assertions

	_ logiface.Event                       = (*zerologEvent)(nil)
	_ logiface.EventFactory[*zerologEvent] = (*zerologWriter)(nil)
	_ logiface.Writer[*zerologEvent]       = (*zerologWriter)(nil)
)

// NewZerolog adapts a zerolog logger. Filtering happens at both level and
// the zerolog logger's own level.
func NewZerolog(z zerolog.Logger, level logiface.Level) *Logger {
	w := &zerologWriter{z: z}
	return logiface.New[*zerologEvent](
		logiface.WithEventFactory[*zerologEvent](w),
		logiface.WithWriter[*zerologEvent](w),
		logiface.WithLevel[*zerologEvent](level),
	).Logger()
}

func (x *zerologEvent) Level() logiface.Level {
	if x != nil {
		return x.lvl
	}
	return logiface.LevelDisabled
}

func (x *zerologEvent) AddField(key string, val any) {
	x.z.Interface(key, val)
}

func (x *zerologEvent) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *zerologEvent) AddError(err error) bool {
	x.z.Err(err)
	return true
}

func (x *zerologEvent) AddString(key string, val string) bool {
	x.z.Str(key, val)
	return true
}

func (x *zerologEvent) AddInt(key string, val int) bool {
	x.z.Int(key, val)
	return true
}

func (x *zerologEvent) AddInt64(key string, val int64) bool {
	x.z.Int64(key, val)
	return true
}

func (x *zerologEvent) AddUint64(key string, val uint64) bool {
	x.z.Uint64(key, val)
	return true
}

func (x *zerologEvent) AddBool(key string, val bool) bool {
	x.z.Bool(key, val)
	return true
}

func (x *zerologWriter) NewEvent(level logiface.Level) *zerologEvent {
	if !level.Enabled() {
		return nil
	}
	r := zerologEvent{lvl: level}
	switch level {
	case logiface.LevelTrace:
		r.z = x.z.Trace()
	case logiface.LevelDebug:
		r.z = x.z.Debug()
	case logiface.LevelInformational:
		r.z = x.z.Info()
	case logiface.LevelNotice, logiface.LevelWarning:
		r.z = x.z.Warn()
	case logiface.LevelError:
		r.z = x.z.Error()
	default:
		// zerolog's fatal and panic levels terminate, keep the severity as a field
		r.z = x.z.WithLevel(zerolog.ErrorLevel).Str(`severity`, level.String())
	}
	return &r
}

func (x *zerologWriter) Write(event *zerologEvent) error {
	event.z.Msg(event.msg)
	return nil
}
