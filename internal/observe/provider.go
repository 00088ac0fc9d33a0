package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the process-wide OpenTelemetry providers.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Empty means "voicegrade".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// SampleRatio is the fraction of root spans sampled. Nil samples all.
	SampleRatio *float64

	// LogSpans exports finished spans to the default slog logger at debug
	// level. Without it spans feed trace ids into logs but go nowhere else.
	LogSpans bool
}

// InitProvider installs a Prometheus-backed meter provider and a tracer
// provider as the OTel globals. The returned function flushes and closes
// both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tp := sdktrace.NewTracerProvider(tracerOptions(res, cfg, slog.Default())...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func serviceResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "voicegrade"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

func tracerOptions(res *resource.Resource, cfg ProviderConfig, log *slog.Logger) []sdktrace.TracerProviderOption {
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio != nil {
		sampler = sdktrace.TraceIDRatioBased(*cfg.SampleRatio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.LogSpans {
		opts = append(opts, sdktrace.WithSyncer(NewLogExporter(log)))
	}
	return opts
}

// LogExporter is a [sdktrace.SpanExporter] that writes one debug record per
// finished span.
type LogExporter struct {
	log *slog.Logger
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

// NewLogExporter returns a [LogExporter] writing to log.
func NewLogExporter(log *slog.Logger) *LogExporter {
	return &LogExporter{log: log}
}

// ExportSpans logs each span with its ids, duration and status.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		sc := s.SpanContext()
		attrs := []any{
			"span", s.Name(),
			"trace_id", sc.TraceID().String(),
			"span_id", sc.SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		}
		if desc := s.Status().Description; desc != "" {
			attrs = append(attrs, "error", desc)
		}
		e.log.DebugContext(ctx, "span finished", attrs...)
	}
	return nil
}

// Shutdown is a no-op; the logger is owned by the caller.
func (e *LogExporter) Shutdown(context.Context) error { return nil }
