// Package observability exposes Prometheus metrics for the engine,
// scheduler, rate limiter and worker pool, following the same
// promauto-registered-vars convention as the teacher's metrics package.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending items in the worker pool queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visor_worker_pool_queue_depth",
		Help: "Current number of items in the worker pool queue",
	}, []string{"pool"})

	// WorkerPoolBusy tracks busy worker count.
	WorkerPoolBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visor_worker_pool_busy",
		Help: "Current number of busy workers",
	}, []string{"pool"})

	// WorkerPoolRejections tracks rejected submissions.
	WorkerPoolRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visor_worker_pool_rejections_total",
		Help: "Total number of rejected work submissions",
	}, []string{"pool", "reason"})

	// RateLimiterDecisions tracks admission decisions per dimension.
	RateLimiterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visor_rate_limiter_decisions_total",
		Help: "Total number of rate limiter decisions",
	}, []string{"dimension", "allowed"})

	// EngineStepDuration tracks step execution durations.
	EngineStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visor_engine_step_duration_seconds",
		Help:    "Step execution duration distribution",
		Buckets: prometheus.DefBuckets,
	}, []string{"step", "type"})

	// EngineStepOutcomes tracks step completion outcomes.
	EngineStepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visor_engine_step_outcomes_total",
		Help: "Total number of step outcomes by kind",
	}, []string{"step", "outcome"}) // completed, skipped, errored

	// RoutingTransitions tracks routing decisions.
	RoutingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visor_routing_transitions_total",
		Help: "Total number of routing transitions evaluated",
	}, []string{"kind", "result"}) // kind: goto|run; result: applied|budget_exceeded

	// ScheduleFires tracks schedule fire outcomes.
	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visor_schedule_fires_total",
		Help: "Total number of schedule fire attempts by outcome",
	}, []string{"outcome"}) // success, failed, lock_not_acquired

	// HALockTransitions tracks HA lock acquire/renew/release outcomes.
	HALockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visor_ha_lock_transitions_total",
		Help: "Total number of HA lock transitions",
	}, []string{"op", "result"}) // op: acquire|renew|release

	// EventBusHandlerPanics tracks recovered handler panics.
	EventBusHandlerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visor_event_bus_handler_panics_total",
		Help: "Total number of event bus handler panics recovered",
	}, []string{"event_type"})
)
