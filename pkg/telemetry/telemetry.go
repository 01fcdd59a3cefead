package telemetry

import (
	"context"

	"github.com/danobi/btrfs-fuzz/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
}

type TelemetryImpl struct {
	tracer trace.Tracer
}

type TelemetryParams struct {
	fx.In
	Lc     fx.Lifecycle
	Config *config.AppConfig
}

// NewTelemetry wires an OTLP trace exporter. The gRPC connection is lazy, so
// construction succeeds with no collector listening; spans are just dropped
// in that case.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	telemetryCtx, cancel := context.WithCancel(context.Background())

	tracerExp, err := otlptracegrpc.New(telemetryCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(tracerExp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			attribute.String("service.name", p.Config.ServiceName),
		)),
	)
	otel.SetTracerProvider(traceProvider)
	tracer := traceProvider.Tracer(p.Config.ServiceName)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return traceProvider.Shutdown(ctx)
		},
	})

	return &TelemetryImpl{tracer}, nil
}

func (t *TelemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}
