package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kernel.storage")

var (
	// savesTotal counts save attempts by kind (auto, final) and outcome.
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_storage_saves_total",
		Help: "Durable snapshot saves by kind and outcome",
	}, []string{"kind", "outcome"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernel_storage_save_duration_seconds",
		Help:    "Time to build and save a durable snapshot",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	// loadProblems counts entities retracted while loading.
	loadProblems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kernel_storage_load_problems_total",
		Help: "Entities retracted while loading durable snapshots",
	})
)
