package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kernel")

var (
	// changesTotal counts processed change requests by outcome:
	// committed, aborted, panicked or cancelled.
	changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_changes_total",
		Help: "Total change requests processed by outcome",
	}, []string{"outcome"})

	// changeDuration tracks time spent inside the writer per change.
	changeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_change_duration_seconds",
		Help:    "Change execution and commit duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50µs to ~400ms
	}, []string{"label"})

	// queueDepth is the number of change requests waiting for the writer.
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_change_queue_depth",
		Help: "Change requests waiting for the writer",
	})

	// logResets counts log backlogs replaced by a Reset.
	logResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kernel_log_resets_total",
		Help: "Log subscriber backlogs truncated to a Reset",
	})
)
