// Package traces wires OpenTelemetry tracing for settlement operations.
package traces

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/bazaar"

// Config selects where spans go. An empty Endpoint disables export.
type Config struct {
	Endpoint       string
	ServiceVersion string
	SampleRatio    float64
}

// Init installs the global tracer provider and W3C propagators. The returned
// function flushes pending spans and is always safe to call.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("bazaar"),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(ctx))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the module tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var (
	orderKey   = attribute.Key("bazaar.order_id")
	listingKey = attribute.Key("bazaar.listing_id")
	holdKey    = attribute.Key("bazaar.hold_id")
	refundKey  = attribute.Key("bazaar.refund_id")
	amountKey  = attribute.Key("bazaar.amount_cents")
	taskKey    = attribute.Key("bazaar.task")
)

func OrderID(id string) attribute.KeyValue   { return orderKey.String(id) }
func ListingID(id string) attribute.KeyValue { return listingKey.String(id) }
func HoldID(id string) attribute.KeyValue    { return holdKey.String(id) }
func RefundID(id string) attribute.KeyValue  { return refundKey.String(id) }
func AmountCents(c int64) attribute.KeyValue { return amountKey.Int64(c) }
func Task(name string) attribute.KeyValue    { return taskKey.String(name) }
