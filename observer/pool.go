package observer

import (
	"context"

	conductor "github.com/nevindra/conductor"

	"go.opentelemetry.io/otel/metric"
)

// ObservePool registers observable gauges over a connection pool's stats.
// The stats callback is invoked on each metric collection; it must be safe
// to call from any goroutine. The returned Registration unregisters the
// callback when the pool is closed.
func ObservePool(inst *Instruments, name string, stats func() conductor.PoolStats) (metric.Registration, error) {
	inUse, err := inst.Meter.Int64ObservableGauge("pool.in_use",
		metric.WithDescription("Connections currently checked out"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	size, err := inst.Meter.Int64ObservableGauge("pool.size",
		metric.WithDescription("Configured pool capacity"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	acquired, err := inst.Meter.Int64ObservableCounter("pool.acquired",
		metric.WithDescription("Total successful acquires"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, err
	}
	reused, err := inst.Meter.Int64ObservableCounter("pool.reused",
		metric.WithDescription("Acquires satisfied by an idle connection"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, err
	}
	waited, err := inst.Meter.Int64ObservableCounter("pool.waited",
		metric.WithDescription("Acquires that blocked waiting for a release"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(AttrPoolName.String(name))
	return inst.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(inUse, int64(s.InUse), attrs)
		o.ObserveInt64(size, int64(s.PoolSize), attrs)
		o.ObserveInt64(acquired, int64(s.Acquired), attrs)
		o.ObserveInt64(reused, int64(s.Reused), attrs)
		o.ObserveInt64(waited, int64(s.Waited), attrs)
		return nil
	}, inUse, size, acquired, reused, waited)
}
