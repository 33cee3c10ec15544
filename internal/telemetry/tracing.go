package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer used by every keel component.
const InstrumentationName = "github.com/roach88/keel"

// Tracing wraps a tracer and the shutdown hook that flushes it.
type Tracing struct {
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

// NewTracing builds a tracer for the given exporter mode.
//
//   - "none": spans are created but never exported
//   - "stdout": spans are written synchronously to w as JSON
func NewTracing(mode string, w io.Writer, version string) (*Tracing, error) {
	switch mode {
	case "", "none":
		return &Tracing{
			Tracer:   noop.NewTracerProvider().Tracer(InstrumentationName),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		res := resource.NewWithAttributes(
			"",
			attribute.String("service.name", "keel"),
			attribute.String("service.version", version),
		)
		// A CLI exits right after the command, so spans are exported
		// synchronously instead of batched.
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		return &Tracing{
			Tracer:   tp.Tracer(InstrumentationName),
			Shutdown: tp.Shutdown,
		}, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", mode)
	}
}

// NoopTracer is the default tracer for components built without one.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(InstrumentationName)
}
