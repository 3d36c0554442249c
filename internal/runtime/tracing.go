package runtime

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventrelay/transport"
)

const tracerName = "github.com/drblury/eventrelay/internal/runtime"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startPublishSpan(ctx context.Context, system, topic string, key []byte) (context.Context, trace.Span) {
	return tracer().Start(ctx, topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.key", string(key)),
		),
	)
}

func startDispatchSpan(ctx context.Context, system string, rec *transport.Record) (context.Context, trace.Span) {
	return tracer().Start(ctx, rec.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.String("messaging.message.key", string(rec.Key)),
			attribute.String("messaging.destination.partition.id", strconv.Itoa(int(rec.Partition))),
			attribute.Int64("messaging.message.offset", rec.Offset),
		),
	)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
