// Package metrics provides worker-lifetime counters.
//
// The Collector accumulates counters for the whole process and mirrors
// each increment into Prometheus counters. It is a leaf package; all
// increment methods are nil-receiver safe so tests can pass a nil
// collector.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is an immutable point-in-time view of the counters.
type Snapshot struct {
	RunsStarted     int64
	RunsReleased    int64
	PassesCompleted int64
	PassesFailed    int64
	CallbacksPosted int64
	CallbacksFailed int64
	HostRestarts    int64
	ChildrenKilled  int64
}

// Collector accumulates worker counters.
type Collector struct {
	mu sync.Mutex

	runsStarted     int64
	runsReleased    int64
	passesCompleted int64
	passesFailed    int64
	callbacksPosted int64
	callbacksFailed int64
	hostRestarts    int64
	childrenKilled  int64

	promRunsStarted     prometheus.Counter
	promRunsReleased    prometheus.Counter
	promPassesCompleted prometheus.Counter
	promPassesFailed    prometheus.Counter
	promCallbacksPosted prometheus.Counter
	promCallbacksFailed prometheus.Counter
	promHostRestarts    prometheus.Counter
	promChildrenKilled  prometheus.Counter
}

// NewCollector creates a collector. A non-nil registerer exposes every
// counter as an optimo_* Prometheus metric; with nil the counters are
// created unregistered (tests).
func NewCollector(reg prometheus.Registerer) *Collector {
	counter := func(name, help string) prometheus.Counter {
		m := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		if reg != nil {
			reg.MustRegister(m)
		}
		return m
	}
	return &Collector{
		promRunsStarted:     counter("optimo_runs_started_total", "Runs admitted."),
		promRunsReleased:    counter("optimo_runs_released_total", "Runs released."),
		promPassesCompleted: counter("optimo_passes_completed_total", "Passes with valid reports."),
		promPassesFailed:    counter("optimo_passes_failed_total", "Passes without usable reports."),
		promCallbacksPosted: counter("optimo_callbacks_posted_total", "Callback POSTs delivered."),
		promCallbacksFailed: counter("optimo_callbacks_failed_total", "Callback POSTs failed."),
		promHostRestarts:    counter("optimo_host_restarts_total", "Patched host restarts."),
		promChildrenKilled:  counter("optimo_children_killed_total", "Backtest children terminated at teardown."),
	}
}

func (c *Collector) inc(field *int64, prom prometheus.Counter, delta int64) {
	c.mu.Lock()
	*field += delta
	c.mu.Unlock()
	prom.Add(float64(delta))
}

// IncRunsStarted records an admitted run.
func (c *Collector) IncRunsStarted() {
	if c == nil {
		return
	}
	c.inc(&c.runsStarted, c.promRunsStarted, 1)
}

// IncRunsReleased records a released run.
func (c *Collector) IncRunsReleased() {
	if c == nil {
		return
	}
	c.inc(&c.runsReleased, c.promRunsReleased, 1)
}

// IncPassesCompleted records a Completed pass.
func (c *Collector) IncPassesCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.passesCompleted, c.promPassesCompleted, 1)
}

// IncPassesFailed records a Failed pass.
func (c *Collector) IncPassesFailed() {
	if c == nil {
		return
	}
	c.inc(&c.passesFailed, c.promPassesFailed, 1)
}

// IncCallbacksPosted records a delivered callback POST.
func (c *Collector) IncCallbacksPosted() {
	if c == nil {
		return
	}
	c.inc(&c.callbacksPosted, c.promCallbacksPosted, 1)
}

// IncCallbacksFailed records a failed callback POST.
func (c *Collector) IncCallbacksFailed() {
	if c == nil {
		return
	}
	c.inc(&c.callbacksFailed, c.promCallbacksFailed, 1)
}

// IncHostRestarts records a patched host restart.
func (c *Collector) IncHostRestarts() {
	if c == nil {
		return
	}
	c.inc(&c.hostRestarts, c.promHostRestarts, 1)
}

// AddChildrenKilled records children terminated during teardown.
func (c *Collector) AddChildrenKilled(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.inc(&c.childrenKilled, c.promChildrenKilled, int64(n))
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RunsStarted:     c.runsStarted,
		RunsReleased:    c.runsReleased,
		PassesCompleted: c.passesCompleted,
		PassesFailed:    c.passesFailed,
		CallbacksPosted: c.callbacksPosted,
		CallbacksFailed: c.callbacksFailed,
		HostRestarts:    c.hostRestarts,
		ChildrenKilled:  c.childrenKilled,
	}
}
