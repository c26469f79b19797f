// Package rtmetrics holds the process-local Prometheus collectors the
// runtime core exposes. The monitoring/tracing subsystem itself is out of
// scope; this package only owns the raw counters a collector
// elsewhere in the RPC stack would scrape (mirrors the shape of Flare's
// flare::ExposedVar, see original_source/flare/base/monitoring_test.cc).
package rtmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RunQueueOverrun counts failed Push/BatchPush attempts, labeled by
	// queue name (scheduling-group index, typically).
	RunQueueOverrun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiber",
		Subsystem: "run_queue",
		Name:      "overrun_total",
		Help:      "Number of run queue push attempts that failed due to the queue being full.",
	}, []string{"queue"})

	// FibersAlive is the number of FiberEntity instances currently in
	// Ready/Running/Waiting state.
	FibersAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiber",
		Name:      "fibers_alive",
		Help:      "Number of fibers that have been started but not yet reached Dead.",
	})

	// TimersFired counts timer callbacks invoked.
	TimersFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Subsystem: "timer",
		Name:      "fired_total",
		Help:      "Number of timers that fired and invoked their callback.",
	})

	// TimersCancelled counts timers removed before firing.
	TimersCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Subsystem: "timer",
		Name:      "cancelled_total",
		Help:      "Number of timers cancelled via RemoveTimer before they fired.",
	})

	// WorkerSteals counts successful cross-group steals.
	WorkerSteals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiber",
		Subsystem: "worker",
		Name:      "steals_total",
		Help:      "Number of fibers acquired via work stealing, labeled by victim group.",
	}, []string{"victim_group"})
)

func init() {
	prometheus.MustRegister(RunQueueOverrun, FibersAlive, TimersFired, TimersCancelled, WorkerSteals)
}
