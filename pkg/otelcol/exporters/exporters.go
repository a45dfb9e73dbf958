package exporters

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

type Options struct {
	Addr     string
	Protocol string // grpc (default) or http
	Insecure bool
}

// New builds a gzip-compressed OTLP trace exporter. The exporter connects
// lazily, so an unreachable collector does not fail startup.
func New(ctx context.Context, o Options) (*otlptrace.Exporter, error) {
	var client otlptrace.Client
	switch o.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(o.Addr),
			otlptracegrpc.WithCompressor("gzip"),
		}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		client = otlptracegrpc.NewClient(opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(o.Addr),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		}
		if o.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		client = otlptracehttp.NewClient(opts...)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", o.Protocol)
	}
	return otlptrace.New(ctx, client)
}
