// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package metrics exposes runtime statistics as Prometheus collectors.
//
// A nil *Metrics is valid, and records nothing, so components need not check
// whether metrics were configured.
package metrics

import (
	"errors"

	"github.com/joeycumines/go-fiberio/fiber"
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch kinds.
const (
	KindFiber = "fiber"
	KindFunc  = "func"
)

// Trigger causes.
const (
	CauseReady  = "ready"
	CauseCancel = "cancel"
)

// Metrics holds the collectors for one scheduler or I/O manager.
type Metrics struct {
	tasksScheduled  prometheus.Counter
	tasksDispatched *prometheus.CounterVec
	tickles         prometheus.Counter
	idleThreads     prometheus.Gauge
	timersFired     prometheus.Counter
	pendingEvents   prometheus.Gauge
	eventTriggers   *prometheus.CounterVec
	hookTimeouts    *prometheus.CounterVec
	fibersLive      prometheus.GaugeFunc
	stackAllocs     prometheus.CounterFunc
}

// New constructs the collectors, unregistered, under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		tasksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_scheduled_total",
			Help:      "Total number of tasks pushed onto the scheduler queue",
		}),
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks taken off the queue and resumed",
		}, []string{"kind"}),
		tickles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tickles_total",
			Help:      "Total number of wake signals sent to idle workers",
		}),
		idleThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "idle_threads",
			Help:      "Workers currently running their idle fiber",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "fired_total",
			Help:      "Total number of expired timer callbacks dispatched",
		}),
		pendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "iomanager",
			Name:      "pending_events",
			Help:      "Armed I/O events awaiting readiness",
		}),
		eventTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "iomanager",
			Name:      "event_triggers_total",
			Help:      "Total number of I/O event continuations triggered",
		}, []string{"event", "cause"}),
		hookTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hook",
			Name:      "timeouts_total",
			Help:      "Total number of hooked calls that failed with ETIMEDOUT",
		}, []string{"call"}),
		fibersLive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fiber",
			Name:      "live",
			Help:      "Fibers currently alive, including thread base fibers",
		}, func() float64 { return float64(fiber.Count()) }),
		stackAllocs: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fiber",
			Name:      "stack_allocations_total",
			Help:      "Total number of fiber execution contexts allocated",
		}, func() float64 { return float64(fiber.StackAllocs()) }),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.tasksScheduled,
		m.tasksDispatched,
		m.tickles,
		m.idleThreads,
		m.timersFired,
		m.pendingEvents,
		m.eventTriggers,
		m.hookTimeouts,
		m.fibersLive,
		m.stackAllocs,
	}
}

// Register registers every collector with r, tolerating collectors that are
// already registered.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) TaskScheduled() {
	if m != nil {
		m.tasksScheduled.Inc()
	}
}

func (m *Metrics) TaskDispatched(kind string) {
	if m != nil {
		m.tasksDispatched.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Tickle() {
	if m != nil {
		m.tickles.Inc()
	}
}

func (m *Metrics) IdleThreadsAdd(delta int) {
	if m != nil {
		m.idleThreads.Add(float64(delta))
	}
}

func (m *Metrics) TimersFired(n int) {
	if m != nil && n > 0 {
		m.timersFired.Add(float64(n))
	}
}

func (m *Metrics) PendingEvents(n int64) {
	if m != nil {
		m.pendingEvents.Set(float64(n))
	}
}

func (m *Metrics) EventTriggered(event, cause string) {
	if m != nil {
		m.eventTriggers.WithLabelValues(event, cause).Inc()
	}
}

func (m *Metrics) HookTimeout(call string) {
	if m != nil {
		m.hookTimeouts.WithLabelValues(call).Inc()
	}
}
