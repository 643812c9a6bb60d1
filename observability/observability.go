package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var resource *sdkresource.Resource
var initResourcesOnce sync.Once
var initObserverOnce sync.Once

// Wrappers for OpenTelemetry trace package
var WithAttributes = trace.WithAttributes
var SpanFromContext = trace.SpanFromContext

type ObserverInterface interface {
	Shutdown(ctx context.Context) error
	Tracer(name string) trace.Tracer
	CreateSpan(ctx context.Context, name string) (context.Context, trace.Span)
}

type observer struct {
	tp *sdktrace.TracerProvider
}

var oi *observer

// NewLocalObserver initializes an observer that writes pretty-printed spans
// to stdout. Used by tests and CLI runs.
func NewLocalObserver() ObserverInterface {
	initObserverOnce.Do(func() {
		tp, _ := initStdoutProvider()
		oi = &observer{
			tp: tp,
		}
	})

	return oi
}

// NewObserver creates the process observer. With an empty address spans go
// to stdout; otherwise they are exported over OTLP/gRPC.
func NewObserver(address string) (ObserverInterface, error) {
	var tp *sdktrace.TracerProvider
	var err error
	initObserverOnce.Do(func() {
		if address == "" {
			tp, err = initStdoutProvider()
		} else {
			tp, err = initTracerProvider(address)
		}
		oi = &observer{
			tp: tp,
		}
	})

	return oi, err
}

// Observer returns the observer instance.
// If no observer has been initialized, it will create a local observer with
// stdout output. This provides a safe default instead of panicking.
func Observer() ObserverInterface {
	if oi == nil {
		return NewLocalObserver()
	}

	return oi
}

// Shutdown stops the observer.
func (o *observer) Shutdown(ctx context.Context) error {
	return o.tp.Shutdown(ctx)
}

// Tracer returns the tracer.
func (o *observer) Tracer(name string) trace.Tracer {
	return o.tp.Tracer(name)
}

// CreateSpan starts a new span on the process tracer.
func (o *observer) CreateSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer("fuji-calendar")
	return tracer.Start(ctx, name)
}

func initResource() *sdkresource.Resource {
	initResourcesOnce.Do(func() {
		extraResources, _ := sdkresource.New(
			context.Background(),
			sdkresource.WithOS(),
			sdkresource.WithProcess(),
			sdkresource.WithHost(),
			sdkresource.WithAttributes(
				attribute.String("application", "fuji-calendar"),
				attribute.String("service.name", "fuji-calendar"),
				attribute.String("service.namespace", "observability"),
				attribute.String("application.version", "0.1.0"),
			),
		)
		resource, _ = sdkresource.Merge(
			sdkresource.Default(),
			extraResources,
		)
	})
	return resource
}

func initStdoutProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize stdouttrace export pipeline: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(initResource()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

func initTracerProvider(address string) (*sdktrace.TracerProvider, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(address),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(initResource()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
