// Package observability sets up OpenTelemetry tracing for both binaries.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kiranshivaraju/genflow/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Options adjusts Init beyond the environment config.
type Options struct {
	Component   string
	Environment string
	// Writer receives spans from the stdout exporter. Defaults to os.Stdout.
	Writer io.Writer
}

// Init installs a global tracer provider and W3C propagators. When telemetry is
// disabled it leaves the no-op provider in place and returns a no-op shutdown.
func Init(ctx context.Context, cfg config.TelemetryConfig, opts Options, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "genflow"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("deployment.environment", opts.Environment),
			attribute.String("service.component", opts.Component),
		),
	)
	if err != nil {
		logger.Warn("otel resource init failed (continuing)", "error", err)
	}

	exporter, err := newExporter(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("creating %s trace exporter: %w", cfg.Exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("otel tracing initialized",
		"service", serviceName,
		"component", opts.Component,
		"exporter", cfg.Exporter,
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig, opts Options) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		var httpOpts []otlptracehttp.Option
		if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
			if strings.Contains(endpoint, "://") {
				httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(endpoint))
			} else {
				httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(endpoint))
			}
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	}
}
