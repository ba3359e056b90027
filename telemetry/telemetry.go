// Package telemetry integrates run events with structured logging, metrics,
// and tracing. Logger/Metrics/Tracer are small interfaces so unit tests can
// supply lightweight stubs instead of wiring a real Clue/OTEL pipeline.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the run lifecycle.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for run instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so callers stay agnostic of the underlying
// OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the run lifecycle. Kept as constants so callers
// never hand-type a metric name twice.
const (
	MetricPlannerRequests    = "flex.planner.requests"
	MetricPlannerDurationMS  = "flex.planner.duration_ms"
	MetricNodeDurationMS     = "flex.node.duration_ms"
	MetricNodeOutcome        = "flex.node.outcome"
	MetricHitlRequests       = "flex.hitl.requests"
	MetricReplanCount        = "flex.plan.replan_count"
	MetricSSEFramesSent      = "flex.sse.frames_sent"
	MetricSSEConnectionsOpen = "flex.sse.connections_open"
)

// RunFields returns the standard correlation tags attached to every metric
// and log line emitted for a run: runId, correlationId, planVersion.
func RunFields(runID, correlationID string, planVersion int) []string {
	return []string{"runId", runID, "correlationId", correlationID, "planVersion", strconv.Itoa(planVersion)}
}
