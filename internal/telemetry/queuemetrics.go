package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trakbridge/trakbridge/internal/queue"
)

// RegisterQueueMetrics registers observable instruments reporting every
// destination queue's depth and lifetime counters against the global
// MeterProvider. Call after InitMeterProvider; observation happens on the
// provider's periodic reader schedule.
func RegisterQueueMetrics(queues *queue.Manager) error {
	meter := otel.Meter("trakbridge/queue")

	size, err := meter.Int64ObservableGauge("trakbridge.queue.size",
		metric.WithDescription("Entries currently buffered for a destination"))
	if err != nil {
		return err
	}
	queued, err := meter.Int64ObservableCounter("trakbridge.queue.events_queued_total",
		metric.WithDescription("Events accepted into a destination queue"))
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableCounter("trakbridge.queue.events_dropped_total",
		metric.WithDescription("Events dropped as stale or by overflow policy"))
	if err != nil {
		return err
	}
	replaced, err := meter.Int64ObservableCounter("trakbridge.queue.events_replaced_total",
		metric.WithDescription("Queued events superseded by a newer position for the same device"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, id := range queues.ServerIDs() {
			st := queues.Stats(id)
			attrs := metric.WithAttributes(attribute.String("server_id", id))
			o.ObserveInt64(size, int64(st.Size), attrs)
			o.ObserveInt64(queued, int64(st.EventsQueuedTotal), attrs)
			o.ObserveInt64(dropped, int64(st.EventsDroppedTotal), attrs)
			o.ObserveInt64(replaced, int64(st.EventsReplacedTotal), attrs)
		}
		return nil
	}, size, queued, dropped, replaced)
	return err
}
