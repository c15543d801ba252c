package causal

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kernel.causal")

var (
	// awaitTotal counts awaits by path (immediate, local, general) and
	// outcome (ok, timeout, terminated, cancelled, detached).
	awaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_causal_await_total",
		Help: "Total causal awaits by path and outcome",
	}, []string{"path", "outcome"})

	awaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernel_causal_await_duration_seconds",
		Help:    "Time spent suspended in causal awaits",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
	})
)

// loggerWithTrace returns a logger tagged with the active span, if any.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
