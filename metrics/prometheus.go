package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Spot exchange metrics collector.

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all exchange metrics
type Collector struct {
	// Order metrics
	OrdersTotal  *prometheus.CounterVec
	OrdersActive *prometheus.GaugeVec

	// Matching engine metrics
	MatchingLatency *prometheus.HistogramVec
	BookDepth       *prometheus.GaugeVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec

	// Write queue / store sync metrics
	QueueDepth     *prometheus.GaugeVec
	FlushBatchSize *prometheus.HistogramVec
	FlushErrors    *prometheus.CounterVec

	// Event publisher metrics
	WSConnectionsActive prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

// newCollector creates a new metrics collector
func newCollector() *Collector {
	c := &Collector{}

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotdex",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders submitted",
		},
		[]string{"symbol", "side", "type", "status"},
	)

	c.OrdersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spotdex",
			Subsystem: "orders",
			Name:      "active",
			Help:      "Number of orders resting on the book",
		},
		[]string{"symbol"},
	)

	c.MatchingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spotdex",
			Subsystem: "matching",
			Name:      "latency_seconds",
			Help:      "Submit-to-settled latency per order",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16),
		},
		[]string{"symbol"},
	)

	c.BookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spotdex",
			Subsystem: "book",
			Name:      "depth_levels",
			Help:      "Number of distinct price levels per side",
		},
		[]string{"symbol", "side"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotdex",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed",
		},
		[]string{"symbol"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotdex",
			Subsystem: "trades",
			Name:      "volume",
			Help:      "Cumulative traded base quantity",
		},
		[]string{"symbol"},
	)

	c.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spotdex",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Entries waiting in each write queue",
		},
		[]string{"queue"},
	)

	c.FlushBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spotdex",
			Subsystem: "sync",
			Name:      "flush_batch_size",
			Help:      "Entries written per flush tick",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"queue"},
	)

	c.FlushErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotdex",
			Subsystem: "sync",
			Name:      "flush_errors_total",
			Help:      "Failed flush attempts per queue",
		},
		[]string{"queue"},
	)

	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spotdex",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Open websocket sessions",
		},
	)

	c.EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotdex",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published per topic kind",
		},
		[]string{"kind"},
	)

	c.EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotdex",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped on slow sessions per topic kind",
		},
		[]string{"kind"},
	)

	prometheus.MustRegister(
		c.OrdersTotal,
		c.OrdersActive,
		c.MatchingLatency,
		c.BookDepth,
		c.TradesTotal,
		c.TradeVolume,
		c.QueueDepth,
		c.FlushBatchSize,
		c.FlushErrors,
		c.WSConnectionsActive,
		c.EventsPublished,
		c.EventsDropped,
	)

	return c
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
