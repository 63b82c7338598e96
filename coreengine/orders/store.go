package orders

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the authoritative order store.
type Store interface {
	// Find returns the order matching both keys, or ErrNotFound.
	Find(ctx context.Context, orderID, email string) (*Order, error)

	// Update applies u to the order matching both keys in a single write.
	// Returns a human-readable success message, a *ValidationError for a
	// malformed update, or a *WriteError when nothing was written.
	Update(ctx context.Context, orderID, email string, u Update) (string, error)

	// List returns every order ordered by id.
	List(ctx context.Context) ([]Order, error)

	// Count returns the number of orders.
	Count(ctx context.Context) (int, error)

	// LatestUpdatedID returns the order id most recently updated, or "".
	LatestUpdatedID(ctx context.Context) (string, error)
}

// Logger is the logging interface used by the stores.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var tracer = otel.Tracer("github.com/jeeves-cluster-organization/shippingagent/coreengine/orders")

func startSpan(ctx context.Context, op, orderID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("db.operation", op)}
	if orderID != "" {
		attrs = append(attrs, attribute.String("order.id", orderID))
	}
	return tracer.Start(ctx, "orders."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
