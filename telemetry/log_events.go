package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordScopeFailedEvent adds a span event for a scope whose pipeline failed
func RecordScopeFailedEvent(span trace.Span, scope, window string, err error) {
	if span == nil || err == nil {
		return
	}

	span.AddEvent("churn.scope.failed", trace.WithAttributes(
		attribute.String("event.type", "churn.scope.failed"),
		attribute.String("scope", scope),
		attribute.String("window", window),
		attribute.String("error", err.Error()),
	))
}

// RecordMalformedEvent adds a span event for an event normalized with sentinels
func RecordMalformedEvent(span trace.Span, scope string, missing []string) {
	if span == nil {
		return
	}

	span.AddEvent("churn.event.malformed", trace.WithAttributes(
		attribute.String("event.type", "churn.event.malformed"),
		attribute.String("scope", scope),
		attribute.StringSlice("missing_fields", missing),
	))
}
