package tracer

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"autopilot/internal/infra/config"
)

const tracerName = "autopilot"

// Setup initializes OpenTelemetry tracing and returns a shutdown function.
// Span output of the stdout exporter goes to os.Stderr so it never mixes with
// command output.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.TracerConfig, w io.Writer) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a named span on the autopilot tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// WithSpan runs fn inside a span and records its error, if any.
func WithSpan(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := StartSpan(ctx, name, attrs...)
	defer span.End()
	if err := fn(ctx); err != nil {
		RecordError(span, err)
		return err
	}
	SetOK(span)
	return nil
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK sets the span status to OK.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

func StringAttr(key, value string) attribute.KeyValue { return attribute.String(key, value) }
func IntAttr(key string, value int) attribute.KeyValue { return attribute.Int(key, value) }
func FloatAttr(key string, value float64) attribute.KeyValue {
	return attribute.Float64(key, value)
}
