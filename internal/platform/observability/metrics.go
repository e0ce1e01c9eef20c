package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/plankworks/api/internal/platform/observability"

// CountEvents wraps next so every event whose name starts with one of prefixes also increments
// the service.events counter, labelled by event name. A nil meter uses the global provider.
func CountEvents(next EventLogger, meter metric.Meter, prefixes ...string) (EventLogger, error) {
	if next == nil {
		next = func(context.Context, string, map[string]any) {}
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	counter, err := meter.Int64Counter("service.events",
		metric.WithUnit("{event}"),
		metric.WithDescription("Service events such as order finalizations and invariant violations"))
	if err != nil {
		return next, err
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		if counted(event, prefixes) {
			counter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
		}
		next(ctx, event, fields)
	}, nil
}

func counted(event string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(event, prefix) {
			return true
		}
	}
	return false
}
