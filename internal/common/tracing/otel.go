// Package tracing owns the OTel tracer provider shared by the session
// transport, the REST client and the mock backend.
//
// Spans are exported over OTLP/HTTP only when OTEL_EXPORTER_OTLP_ENDPOINT is
// set; otherwise every tracer is a no-op. OTEL_TRACES_SAMPLER_ARG, when it
// parses as a float in [0,1], sets a parent-based ratio sampler.
package tracing

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "kibble"

type state struct {
	once     sync.Once
	service  string
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

var (
	mu      sync.Mutex
	current = &state{service: defaultServiceName}
)

// Configure sets the service.name resource attribute. It only has an effect
// before the first call to Tracer.
func Configure(service string) {
	mu.Lock()
	defer mu.Unlock()
	if service != "" && current.provider == nil {
		current.service = service
	}
}

// Tracer returns a named tracer, installing the provider on first use.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	s := current
	mu.Unlock()
	s.once.Do(s.install)
	return s.provider.Tracer(name)
}

// Shutdown flushes pending spans. Safe to call when tracing is disabled.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	s := current
	mu.Unlock()
	if s.sdk == nil {
		return nil
	}
	return s.sdk.Shutdown(ctx)
}

func (s *state) install() {
	s.provider = noop.NewTracerProvider()

	endpoint, insecure, ok := exporterEndpoint(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if !ok {
		return
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(s.service)))
	if err != nil {
		res = resource.Default()
	}

	s.sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFromEnv(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))),
	)
	s.provider = s.sdk
	otel.SetTracerProvider(s.sdk)
}

// exporterEndpoint turns OTEL_EXPORTER_OTLP_ENDPOINT into the host:port form
// otlptracehttp expects. A bare host:port is treated as plaintext.
func exporterEndpoint(raw string) (host string, insecure, ok bool) {
	if raw == "" {
		return "", false, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, true, true
	}
	return u.Host, u.Scheme != "https", true
}

func samplerFromEnv(arg string) sdktrace.Sampler {
	ratio, err := strconv.ParseFloat(arg, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
