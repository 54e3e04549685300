// Package otelsupport wires OpenTelemetry tracing into Store transactions
// and HTTP handlers (spec ambient stack, SPEC_FULL.md §1 "Tracing/metrics").
// Grounded on the teacher's internal/otel package: a Provider wrapping a
// TracerProvider plus a package-level Tracer so any package can start a
// span without threading a handle through every Config struct, the same
// global-registration idiom internal/metrics already uses for Prometheus
// collectors.
package otelsupport

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope name for fleetd traces.
const TracerName = "fleetd"

// Config controls whether tracing is active and where spans go.
type Config struct {
	Enabled  bool
	// Exporter selects the span sink: "stdout" pretty-prints spans to
	// stdout (useful in development); "none" creates a real SDK provider
	// that simply discards every span (useful for exercising the
	// instrumentation path in tests without console noise). Zero value
	// behaves as Enabled=false.
	Exporter    string
	ServiceName string
	SampleRate  float64
}

var activeTracer trace.Tracer = nooptrace.NewTracerProvider().Tracer(TracerName)

// Provider owns the SDK TracerProvider's lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init configures the process-wide tracer used by Tracer(). Disabled
// configs (the default) leave the no-op tracer in place, so Store and
// fleetapi span calls remain zero-overhead unless tracing is turned on.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "fleetd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otelsupport: build resource: %w", err)
	}

	exporter, err := newExporter(cfg.Exporter)
	if err != nil {
		return nil, err
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	activeTracer = tp.Tracer(TracerName)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and stops the tracer provider, if one was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the process-wide tracer. Before Init (or when tracing is
// disabled) it is a no-op tracer, so callers can start spans unconditionally.
func Tracer() trace.Tracer { return activeTracer }

func newExporter(name string) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "", "none":
		return stdouttrace.New(stdouttrace.WithWriter(discardWriter{}))
	default:
		return nil, fmt.Errorf("otelsupport: unknown exporter %q (supported: stdout, none)", name)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
