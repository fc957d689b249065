// Package metrics collects and exposes Prometheus counters for the
// cache and change-feed layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records sync-layer activity. A nil *Collector is valid and
// records nothing, which keeps wiring optional in tests.
type Collector struct {
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheCollapsed  prometheus.Counter
	invalidations   *prometheus.CounterVec
	feedDeliveries  *prometheus.CounterVec
	authTransitions *prometheus.CounterVec
	fetchFailures   prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vhub_cache_hits_total",
			Help: "Query cache reads served from a fresh cached value.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vhub_cache_misses_total",
			Help: "Query cache reads that triggered a fetch.",
		}),
		cacheCollapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vhub_cache_collapsed_total",
			Help: "Concurrent reads that shared an in-flight fetch.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vhub_cache_invalidations_total",
			Help: "Cache invalidations by trigger.",
		}, []string{"trigger"}),
		feedDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vhub_changefeed_deliveries_total",
			Help: "Change-feed notifications delivered by table.",
		}, []string{"table"}),
		authTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vhub_auth_transitions_total",
			Help: "Session state transitions by outcome.",
		}, []string{"outcome"}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vhub_cache_fetch_failures_total",
			Help: "Cache fetches that returned an error.",
		}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheCollapsed,
		c.invalidations,
		c.feedDeliveries,
		c.authTransitions,
		c.fetchFailures,
	)

	return c
}

func (c *Collector) CacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

func (c *Collector) CacheMiss() {
	if c != nil {
		c.cacheMisses.Inc()
	}
}

func (c *Collector) CacheCollapsed() {
	if c != nil {
		c.cacheCollapsed.Inc()
	}
}

func (c *Collector) Invalidation(trigger string) {
	if c != nil {
		c.invalidations.WithLabelValues(trigger).Inc()
	}
}

func (c *Collector) FeedDelivery(table string) {
	if c != nil {
		c.feedDeliveries.WithLabelValues(table).Inc()
	}
}

func (c *Collector) AuthTransition(outcome string) {
	if c != nil {
		c.authTransitions.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) FetchFailure() {
	if c != nil {
		c.fetchFailures.Inc()
	}
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
