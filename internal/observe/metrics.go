// Package observe provides application-wide observability primitives for
// voicegrade: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicegrade metrics.
const meterName = "github.com/MrWong99/voicegrade"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ExtractDuration tracks local pair extraction latency.
	ExtractDuration metric.Float64Histogram

	// OracleDuration tracks remote match oracle latency. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"cancelled"|"empty")
	OracleDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// ProviderRequests counts LLM provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// OracleFallbacks counts stops that fell back to local extraction. Use
	// with attribute:
	//   attribute.String("reason", "error"|"empty")
	OracleFallbacks metric.Int64Counter

	// Fragments counts speech fragments applied to the live transcript. Use
	// with attribute:
	//   attribute.String("kind", "final"|"interim"|"error")
	Fragments metric.Int64Counter

	// EntriesMerged counts registry rows touched by merges. Use with
	// attributes:
	//   attribute.String("source", "local"|"oracle"), attribute.String("op", "added"|"updated")
	EntriesMerged metric.Int64Counter

	// BreakerTransitions counts oracle backend circuit breaker state changes.
	// Use with attributes:
	//   attribute.String("backend", ...), attribute.String("to", "open"|"half-open"|"closed")
	BreakerTransitions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ActiveStreams tracks open fragment WebSocket connections.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Local
// extraction sits at the low end, oracle round trips at the high end.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractDuration, err = m.Float64Histogram("voicegrade.extract.duration",
		metric.WithDescription("Latency of local pair extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OracleDuration, err = m.Float64Histogram("voicegrade.oracle.duration",
		metric.WithDescription("Latency of remote match oracle calls by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voicegrade.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicegrade.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicegrade.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.OracleFallbacks, err = m.Int64Counter("voicegrade.oracle.fallbacks",
		metric.WithDescription("Total recordings that fell back to local extraction."),
	); err != nil {
		return nil, err
	}
	if met.Fragments, err = m.Int64Counter("voicegrade.fragments",
		metric.WithDescription("Total speech fragments applied by kind."),
	); err != nil {
		return nil, err
	}
	if met.EntriesMerged, err = m.Int64Counter("voicegrade.entries.merged",
		metric.WithDescription("Total registry rows added or updated by merges."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voicegrade.oracle.breaker.transitions",
		metric.WithDescription("Oracle backend circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voicegrade.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("voicegrade.active_streams",
		metric.WithDescription("Number of open fragment streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegrade.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordExtract records one local extraction taking d.
func (m *Metrics) RecordExtract(ctx context.Context, d time.Duration) {
	m.ExtractDuration.Record(ctx, d.Seconds())
}

// RecordOracle records one oracle call taking d with the given outcome.
func (m *Metrics) RecordOracle(ctx context.Context, status string, d time.Duration) {
	m.OracleDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordOracleFallback records a fallback to local extraction.
func (m *Metrics) RecordOracleFallback(ctx context.Context, reason string) {
	m.OracleFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordFragment records one applied speech fragment.
func (m *Metrics) RecordFragment(ctx context.Context, kind string) {
	m.Fragments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordMerge records the added and updated counts of one registry merge.
// Zero counts are skipped.
func (m *Metrics) RecordMerge(ctx context.Context, source string, added, updated int) {
	if added > 0 {
		m.EntriesMerged.Add(ctx, int64(added),
			metric.WithAttributes(attribute.String("source", source), attribute.String("op", "added")),
		)
	}
	if updated > 0 {
		m.EntriesMerged.Add(ctx, int64(updated),
			metric.WithAttributes(attribute.String("source", source), attribute.String("op", "updated")),
		)
	}
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker of backend entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("to", to),
		),
	)
}
