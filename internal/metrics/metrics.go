// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine holds the collectors the execution engine updates.
type Engine struct {
	runsTotal        *prometheus.CounterVec
	runsInFlight     prometheus.Gauge
	runDuration      *prometheus.HistogramVec
	intentDispatches *prometheus.CounterVec
	schedulerTicks   prometheus.Counter
	lockConflicts    *prometheus.CounterVec
}

// NewEngine creates the engine collectors and registers them on reg.
func NewEngine(reg prometheus.Registerer) *Engine {
	e := &Engine{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborwatch_runs_total",
			Help: "Batch runs by job type and terminal status.",
		}, []string{"job_type", "status"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborwatch_runs_in_flight",
			Help: "Batch runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harborwatch_run_duration_seconds",
			Help:    "Batch run duration by job type.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job_type"}),
		intentDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborwatch_intent_dispatches_total",
			Help: "Intent executions by trigger path and outcome.",
		}, []string{"trigger", "status"}),
		schedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborwatch_scheduler_ticks_total",
			Help: "Scheduler polling ticks.",
		}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborwatch_lock_conflicts_total",
			Help: "Executions rejected because the pair was already running.",
		}, []string{"job_type"}),
	}

	reg.MustRegister(
		e.runsTotal,
		e.runsInFlight,
		e.runDuration,
		e.intentDispatches,
		e.schedulerTicks,
		e.lockConflicts,
	)
	return e
}

// RunStarted records the start of a batch run.
func (e *Engine) RunStarted() {
	if e == nil {
		return
	}
	e.runsInFlight.Inc()
}

// RunFinished records a terminal batch run outcome.
func (e *Engine) RunFinished(jobType, status string, d time.Duration) {
	if e == nil {
		return
	}
	e.runsInFlight.Dec()
	e.runsTotal.WithLabelValues(jobType, status).Inc()
	e.runDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// LockConflict records a rejected execution attempt.
func (e *Engine) LockConflict(jobType string) {
	if e == nil {
		return
	}
	e.lockConflicts.WithLabelValues(jobType).Inc()
}

// IntentDispatched records a terminal intent execution outcome.
func (e *Engine) IntentDispatched(trigger, status string) {
	if e == nil {
		return
	}
	e.intentDispatches.WithLabelValues(trigger, status).Inc()
}

// SchedulerTick records one scheduler polling tick.
func (e *Engine) SchedulerTick() {
	if e == nil {
		return
	}
	e.schedulerTicks.Inc()
}
