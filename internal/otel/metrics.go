package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Metrics holds the dispatch instruments. A nil *Metrics records nothing.
type Metrics struct {
	DispatchDuration metric.Float64Histogram
	Commands         metric.Int64Counter
	Triggers         metric.Int64Counter
	Handlers         metric.Int64Counter
	UnitErrors       metric.Int64Counter
	Reloads          metric.Int64Counter
	Units            metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("lagbot.dispatch.duration",
		metric.WithDescription("Time spent routing one inbound message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Commands, err = meter.Int64Counter("lagbot.dispatch.commands",
		metric.WithDescription("Command invocations by unit"),
	)
	if err != nil {
		return nil, err
	}

	m.Triggers, err = meter.Int64Counter("lagbot.dispatch.triggers",
		metric.WithDescription("Trigger invocations by unit"),
	)
	if err != nil {
		return nil, err
	}

	m.Handlers, err = meter.Int64Counter("lagbot.dispatch.handlers",
		metric.WithDescription("Passive handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.UnitErrors, err = meter.Int64Counter("lagbot.unit.errors",
		metric.WithDescription("Unit invocations that returned an error or panicked"),
	)
	if err != nil {
		return nil, err
	}

	m.Reloads, err = meter.Int64Counter("lagbot.registry.reloads",
		metric.WithDescription("Registry rebuilds by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Units, err = meter.Int64UpDownCounter("lagbot.registry.units",
		metric.WithDescription("Units active in the current generation"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordDispatch records the duration of one routed message.
func (m *Metrics) RecordDispatch(ctx context.Context, network string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrNetwork.String(network)))
}

// RecordInvocation counts one unit invocation of the given class.
func (m *Metrics) RecordInvocation(ctx context.Context, class, unit string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrUnit.String(unit))
	switch class {
	case "command":
		m.Commands.Add(ctx, 1, attrs)
	case "trigger":
		m.Triggers.Add(ctx, 1, attrs)
	case "handler":
		m.Handlers.Add(ctx, 1, attrs)
	}
}

// RecordUnitError counts one failed unit invocation.
func (m *Metrics) RecordUnitError(ctx context.Context, class, unit string) {
	if m == nil {
		return
	}
	m.UnitErrors.Add(ctx, 1, metric.WithAttributes(AttrUnit.String(unit), AttrClass.String(class)))
}

// RecordReload counts a rebuild and moves the active unit gauge from before to after.
func (m *Metrics) RecordReload(ctx context.Context, ok bool, before, after int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.Reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.Units.Add(ctx, int64(after-before))
}

// Totals sums every integer counter in rm across its attribute sets, keyed by
// instrument name.
func Totals(rm metricdata.ResourceMetrics) map[string]int64 {
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}
