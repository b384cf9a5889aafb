package telemetry

import "github.com/prometheus/client_golang/prometheus"

var TelemetryEventsRecordedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "telemetry",
		Name:      "events_recorded_total",
		Help:      "Total number of query events accepted into the telemetry buffer, by table.",
	},
	[]string{"table"},
)

var TelemetryEventsDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "telemetry",
		Name:      "events_dropped_total",
		Help:      "Total number of query events dropped because the buffer was full.",
	},
	[]string{"reason"},
)

var TelemetryBufferSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "indexadvisor",
		Subsystem: "telemetry",
		Name:      "buffer_size",
		Help:      "Current number of query events held in the in-memory telemetry buffer.",
	},
)

var PlanCacheHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "plan_analyzer",
		Name:      "cache_hits_total",
		Help:      "Total number of plan analyzer cache hits.",
	},
)

var PlanCacheMissesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "plan_analyzer",
		Name:      "cache_misses_total",
		Help:      "Total number of plan analyzer cache misses.",
	},
)

var ExplainCoverage = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "indexadvisor",
		Subsystem: "plan_analyzer",
		Name:      "explain_coverage_ratio",
		Help:      "Fraction of plan analyzer lookups since process start that produced a plan (cache hit or successful EXPLAIN).",
	},
)

var SafeguardDenialsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "safeguards",
		Name:      "denials_total",
		Help:      "Total number of operations denied by a safeguard gate, by gate name.",
	},
	[]string{"gate"},
)

var CircuitBreakerStateChangesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "safeguards",
		Name:      "breaker_state_changes_total",
		Help:      "Total number of circuit breaker state transitions, by new state.",
	},
	[]string{"state"},
)

var OrchestratorPassDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "indexadvisor",
		Subsystem: "indexer",
		Name:      "pass_duration_seconds",
		Help:      "Duration of a full auto-indexer orchestrator pass.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
	},
)

var OrchestratorDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "indexer",
		Name:      "decisions_total",
		Help:      "Total number of orchestrator decisions, by outcome (created, rejected, deferred).",
	},
	[]string{"outcome"},
)

var DDLOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "indexer",
		Name:      "ddl_operations_total",
		Help:      "Total number of DDL operations executed against the target database, by kind and result.",
	},
	[]string{"kind", "result"},
)

var InterceptorDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "interceptor",
		Name:      "decisions_total",
		Help:      "Total number of query interceptor decisions, by outcome (allow, block, fail_open).",
	},
	[]string{"outcome"},
)

var InterceptorLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "indexadvisor",
		Subsystem: "interceptor",
		Name:      "decision_latency_seconds",
		Help:      "Latency of a single interceptor safety-score lookup.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	},
)

var LifecycleActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "lifecycle",
		Name:      "actions_total",
		Help:      "Total number of lifecycle actions taken on an index, by action.",
	},
	[]string{"action"},
)

var DiscoveryDriftEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "discovery",
		Name:      "drift_events_total",
		Help:      "Total number of schema drift events detected, by kind.",
	},
	[]string{"kind"},
)

var AuditEntriesDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "indexadvisor",
		Subsystem: "audit",
		Name:      "entries_dropped_total",
		Help:      "Total number of audit entries dropped because the writer buffer was full.",
	},
)

// All returns all indexadvisor-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TelemetryEventsRecordedTotal,
		TelemetryEventsDroppedTotal,
		TelemetryBufferSize,
		PlanCacheHitsTotal,
		PlanCacheMissesTotal,
		ExplainCoverage,
		SafeguardDenialsTotal,
		CircuitBreakerStateChangesTotal,
		OrchestratorPassDuration,
		OrchestratorDecisionsTotal,
		DDLOperationsTotal,
		InterceptorDecisionsTotal,
		InterceptorLatency,
		LifecycleActionsTotal,
		DiscoveryDriftEventsTotal,
		AuditEntriesDroppedTotal,
	}
}
