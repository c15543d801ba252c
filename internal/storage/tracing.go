package storage

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func traceKey(key string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("storage.key", key))
}
