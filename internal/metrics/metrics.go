// Package metrics exposes operation and migration activity as Prometheus
// metrics. The collector is fed from an events.Bus subscription, so the
// executor never calls it directly.
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/raold/second-brain-sub001/internal/events"
)

const namespace = "brainops"

// Item outcome label values.
const (
	OutcomeSuccessful = "successful"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
)

// Collector owns a private registry so that several collectors (one per
// test, say) never collide on the default registerer.
type Collector struct {
	registry *prometheus.Registry

	operations     *prometheus.CounterVec   // kind, status
	items          *prometheus.CounterVec   // kind, outcome
	batchDuration  *prometheus.HistogramVec // kind
	migrations     *prometheus.CounterVec   // status
	migrationItems prometheus.Counter
}

// New creates a collector. When bus is non-nil a gauge reports the events it
// dropped for slow subscribers.
func New(bus *events.Bus) (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "completed_total",
			Help:      "Operations that reached a terminal status",
		}, []string{"kind", "status"}),

		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "items_total",
			Help:      "Items processed by outcome",
		}, []string{"kind", "outcome"}),

		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch write",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"kind"}),

		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrations",
			Name:      "executed_total",
			Help:      "Migration attempts by final status",
		}, []string{"status"}),

		migrationItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrations",
			Name:      "affected_items_total",
			Help:      "Records touched by applied migrations",
		}),
	}

	collectors := []prometheus.Collector{c.operations, c.items, c.batchDuration, c.migrations, c.migrationItems}
	if bus != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped",
			Help:      "Events dropped because a subscriber was not keeping up",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return c, nil
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe records one event.
func (c *Collector) Observe(ev events.Event) {
	switch ev.Type {
	case events.TypeProgress:
		if ev.Delta == nil {
			return
		}
		kind := string(ev.Kind)
		c.items.WithLabelValues(kind, OutcomeSuccessful).Add(float64(ev.Delta.Successful))
		c.items.WithLabelValues(kind, OutcomeFailed).Add(float64(ev.Delta.Failed))
		c.items.WithLabelValues(kind, OutcomeSkipped).Add(float64(ev.Delta.Skipped))
		if ev.Delta.BatchDuration > 0 {
			c.batchDuration.WithLabelValues(kind).Observe(ev.Delta.BatchDuration.Seconds())
		}
	case events.TypeCompletion:
		c.operations.WithLabelValues(string(ev.Kind), string(ev.Status)).Inc()
	case events.TypeMigration:
		if ev.Migration == nil {
			return
		}
		c.migrations.WithLabelValues(ev.Migration.Status).Inc()
		c.migrationItems.Add(float64(ev.Migration.AffectedItems))
	}
}

// Run observes events from ch until ch is closed or ctx is done.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteText writes the current metric values in the text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
