package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Tyrowin/roomchat/internal/server"

// hubMetrics holds the hub's instruments. They come from the global meter
// provider, which is a no-op until the process installs a real one.
type hubMetrics struct {
	inbound       metric.Int64Counter
	dropped       metric.Int64Counter
	storeFailures metric.Int64Counter
	connections   metric.Int64UpDownCounter
}

func newHubMetrics() *hubMetrics {
	meter := otel.Meter(meterName)

	inbound, _ := meter.Int64Counter("chat_inbound_events_total",
		metric.WithDescription("Inbound events accepted by the hub"))
	dropped, _ := meter.Int64Counter("chat_dropped_events_total",
		metric.WithDescription("Inbound events dropped before handling"))
	storeFailures, _ := meter.Int64Counter("chat_store_failures_total",
		metric.WithDescription("Failed calls to the message store"))
	connections, _ := meter.Int64UpDownCounter("chat_connections",
		metric.WithDescription("Registered WebSocket connections"))

	return &hubMetrics{
		inbound:       inbound,
		dropped:       dropped,
		storeFailures: storeFailures,
		connections:   connections,
	}
}

func (m *hubMetrics) recordInbound(event string) {
	m.inbound.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *hubMetrics) recordDropped(reason string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *hubMetrics) recordStoreFailure(op string) {
	m.storeFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *hubMetrics) recordConnections(delta int64) {
	m.connections.Add(context.Background(), delta)
}
