package otelx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type Config struct {
	Enabled      bool    `env:"OTEL_ENABLED" envDefault:"true"`
	ServiceName  string
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"jaeger:4317"`
	SampleRatio  float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"1"`
	Environment  string  `env:"DEPLOYMENT_ENV" envDefault:"local"`
}

func ConfigFromEnv(serviceName string) (Config, error) {
	cfg := Config{ServiceName: serviceName}
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return Config{}, fmt.Errorf("OTEL_SAMPLING_RATIO must be within [0,1] (got %v)", cfg.SampleRatio)
	}
	return cfg, nil
}

// Setup installs W3C propagators and, when enabled, a batching OTLP/gRPC tracer
// provider. The returned func flushes pending spans.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(3*time.Second),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Start loads the env config and runs Setup. Tracing problems are logged and
// never stop the service; the returned func is always safe to defer.
func Start(ctx context.Context, serviceName string, logger *slog.Logger) func() {
	noop := func() {}
	cfg, err := ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("otel config invalid; tracing disabled", "err", err)
		return noop
	}
	shutdown, err := Setup(ctx, cfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
		return noop
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("otel shutdown", "err", err)
		}
	}
}
