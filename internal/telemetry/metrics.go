// Package telemetry builds the process-wide structured logger and
// Prometheus registry every fleetcmd component logs and publishes metrics
// through. Collectors are declared here and registered once at startup by
// NewMetricsRegistry.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewLogger creates a structured logger. format is "json" or "text"; level
// is one of debug, info, warn, error.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	var w io.Writer = os.Stdout
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// HTTPRequestDuration tracks HTTP request latency across every mounted
// route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetcmd",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QueueDepth reports the live length of each priority queue.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fleetcmd",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of jobs waiting in a priority queue.",
	},
	[]string{"priority"},
)

// QueueJobsTotal counts job state transitions (submit, requeue, retry and
// terminal outcomes) by resulting status.
var QueueJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetcmd",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Total number of jobs reaching a terminal or requeued state.",
	},
	[]string{"status"},
)

// SchedulerDispatchDuration tracks how long the Smart Scheduler spends on
// one dispatch, from job pick to hand-off, including any model swap.
var SchedulerDispatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fleetcmd",
		Subsystem: "scheduler",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent picking and handing off one vision job, including any model swap.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	},
)

// SchedulerSwapsTotal counts model swaps triggered by the dispatcher.
var SchedulerSwapsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetcmd",
		Subsystem: "scheduler",
		Name:      "model_swaps_total",
		Help:      "Total number of model-switch requests issued to vision workers.",
	},
)

// RegistryNodesOnline is a live gauge of nodes whose heartbeat has not
// expired.
var RegistryNodesOnline = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetcmd",
		Subsystem: "registry",
		Name:      "nodes_online",
		Help:      "Current number of nodes with a live heartbeat.",
	},
)

// DoctorActionsTotal counts executed remediations by action name and
// outcome.
var DoctorActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetcmd",
		Subsystem: "doctor",
		Name:      "actions_total",
		Help:      "Total number of Doctor remediation actions executed.",
	},
	[]string{"action", "success"},
)

// DoctorProblemsDetected counts detector output by problem type.
var DoctorProblemsDetected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetcmd",
		Subsystem: "doctor",
		Name:      "problems_detected_total",
		Help:      "Total number of problems surfaced by a Doctor detection cycle.",
	},
	[]string{"type"},
)

// ScalerRecommendationsTotal counts scale-up/down recommendations emitted.
var ScalerRecommendationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetcmd",
		Subsystem: "scaler",
		Name:      "recommendations_total",
		Help:      "Total number of auto-scaler recommendations by action.",
	},
	[]string{"action"},
)

// All returns the fleetcmd-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QueueDepth,
		QueueJobsTotal,
		SchedulerDispatchDuration,
		SchedulerSwapsTotal,
		RegistryNodesOnline,
		DoctorActionsTotal,
		DoctorProblemsDetected,
		ScalerRecommendationsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry carrying the Go/process
// collectors, the shared HTTP latency histogram, and every fleetcmd
// collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
