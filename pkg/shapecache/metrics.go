package shapecache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	hits, misses, builds, evictions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	labels := prometheus.Labels{"cache": name}
	counter := func(metric, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "facet",
			Subsystem:   "shapecache",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
					return existing
				}
			}
			// Fall back to an unregistered counter rather than fail the cache.
			return c
		}
		return c
	}
	return &metrics{
		hits:      counter("hits_total", "Lookups served from the cache."),
		misses:    counter("misses_total", "Lookups that missed the cache."),
		builds:    counter("builds_total", "Values built on a miss."),
		evictions: counter("evictions_total", "Entries evicted by the size bound."),
	}
}

func (m *metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *metrics) built() {
	if m != nil {
		m.builds.Inc()
	}
}

func (m *metrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}
