// Package tracing wires OpenTelemetry for droidctl. Spans are exported over
// OTLP/HTTP when an endpoint is configured; otherwise a no-op provider is used.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is reported as service.name on every span.
const DefaultServiceName = "droidctl"

// Config controls exporter setup.
type Config struct {
	// Endpoint is a collector URL ("http://host:4318") or bare host:port,
	// which is dialled without TLS.
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"serviceName"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

var (
	mu             sync.RWMutex
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init installs the OTLP exporter described by cfg. Only the first call
// has any effect.
func Init(ctx context.Context, cfg Config) error {
	var err error
	initOnce.Do(func() {
		err = setup(ctx, cfg)
	})
	return err
}

func setup(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil
	}
	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg.Endpoint)...)
	if err != nil {
		return fmt.Errorf("otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(name)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	SetProvider(provider)
	otel.SetTracerProvider(provider)
	return nil
}

func exporterOptions(endpoint string) []otlptracehttp.Option {
	if strings.Contains(endpoint, "://") {
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	}
	return []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	}
}

// sampler samples every root span unless ratio is in (0, 1). Child spans
// follow their parent.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// SetProvider replaces the provider used by Tracer. Tests install an
// in-memory recorder through it.
func SetProvider(p trace.TracerProvider) {
	mu.Lock()
	defer mu.Unlock()
	tracerProvider = p
	if sdk, ok := p.(*sdktrace.TracerProvider); ok {
		sdkProvider = sdk
	} else {
		sdkProvider = nil
	}
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.RLock()
	p := sdkProvider
	mu.RUnlock()
	if p != nil {
		return p.Shutdown(ctx)
	}
	return nil
}
