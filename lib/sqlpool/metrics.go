package sqlpool

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ObserveMetrics registers observable gauges that report pool health. Gauges
// emit taken, idle, and total connection counts. Hosts bring their own meter
// provider; with the default noop provider this is free.
func ObserveMetrics(pool *Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := []attribute.KeyValue{
		attribute.String("db_pool", normalized),
	}

	meter := otel.Meter("segstore.sqlpool")
	if _, err := meter.Int64ObservableGauge("segstore_db_pool_connections_taken",
		metric.WithDescription("Connections currently lent to callers"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(pool.Stats().Taken), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("segstore_db_pool_connections_idle",
		metric.WithDescription("Idle connections ready for checkout"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(pool.Stats().Idle), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("segstore_db_pool_connections_total",
		metric.WithDescription("Total connections (idle + taken)"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stats := pool.Stats()
			observer.Observe(int64(stats.Idle+stats.Taken), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
}
