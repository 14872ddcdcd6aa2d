// Package observability wires OpenTelemetry tracing for skein.
//
// Traces export over OTLP HTTP to a local collector, which buffers them and
// forwards to whatever backend it is configured for; the process never
// talks to a tracing vendor directly. Any OTLP-capable receiver works: an
// otel-collector sidecar, or a vendor agent with its OTLP receiver enabled
// on the conventional port.
//
// # Configuration
//
// Config file (config.yaml):
//
//	tracing:
//	  enabled: true
//	  endpoint: "localhost:4318"
//	  service_name: "skein"
//	  environment: "dev"
//
// Spans appear under the configured service name once the collector
// forwards its first batch, typically within a minute or after shutdown
// flush.
package observability

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/skeinlabs/skein/internal/log"
)

// Config for the OTLP trace exporter.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint (default: localhost:4318).
	Endpoint string
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string
	// ServiceName is the name spans are grouped under.
	ServiceName string
}

// DefaultEndpoint is the conventional local collector OTLP HTTP endpoint.
const DefaultEndpoint = "localhost:4318"

// Setup installs the global tracer provider, exporting batched spans to
// the configured collector. It returns a shutdown function that flushes
// pending spans. An exporter that cannot be built disables tracing with a
// warning instead of failing startup.
func Setup(ctx context.Context, cfg Config, logger log.Logger) (shutdown func(context.Context) error, err error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// The SDK's default resource detection reads these, so the service
	// identity stays consistent with any other OTEL-aware tooling in the
	// process.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		// Local collector, no TLS.
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("trace exporter setup failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)
	return tp.Shutdown, nil
}
