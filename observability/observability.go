// Package observability is an optional Prometheus bridge for the
// EventBus: it subscribes, counts events by kind/source, and
// exposes them as a prometheus.Collector. The core never depends on
// this package — it only emits events, same as the teacher's
// strategies/backends emit nothing and leave metrics to a collaborator.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ajiwo/tokenlimit/events"
)

// Collector counts EventBus events by kind and source, as a
// prometheus.Collector. It does not register itself with any registry.
type Collector struct {
	eventsTotal *prometheus.CounterVec

	mu  sync.Mutex
	sub events.Subscription
}

// NewCollector builds a Collector. Subscribe must be called to start
// counting a given Bus's events.
func NewCollector(namespace string) *Collector {
	return &Collector{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokenlimit_events_total",
			Help:      "Total number of rate limiter events, by kind and source.",
		}, []string{"kind", "source"}),
	}
}

// Subscribe attaches the Collector to bus, counting every event it
// publishes from that point on.
func (c *Collector) Subscribe(bus *events.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub.Unsubscribe() // no-op on the zero value
	c.sub = bus.Subscribe(func(evt events.Event) {
		c.eventsTotal.WithLabelValues(string(evt.Kind), string(evt.Source)).Inc()
	})
}

// Close stops counting events from whatever Bus Subscribe last attached to.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub.Unsubscribe()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.eventsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.eventsTotal.Collect(ch)
}
