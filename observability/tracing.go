package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/localmarket/dealflow/fsm"
)

// Tracing returns middleware that runs each Activity inside a span named
// name. A failing Activity marks its span as errored.
func Tracing[C any](tracer trace.Tracer, name string, attrs ...attribute.KeyValue) fsm.Middleware[C] {
	return func(next fsm.Activity[C]) fsm.Activity[C] {
		return func(ctx context.Context, c C) error {
			ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
			defer span.End()

			if err := next(ctx, c); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}
