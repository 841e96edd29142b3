package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CartMetrics holds Prometheus metrics for cart-level observability.
// All metrics include the instance label so dashboards can split the
// default cart from wishlists and comparison lists.
type CartMetrics struct {
	// Mutations
	Mutations  *prometheus.CounterVec
	Clears     *prometheus.CounterVec
	ItemsAdded *prometheus.CounterVec

	// Migration
	Merges *prometheus.CounterVec

	// Optimistic concurrency
	VersionConflicts *prometheus.CounterVec
	RetryAttempts    *prometheus.CounterVec
	RetryExhausted   *prometheus.CounterVec

	// Shape of carts at read time
	CartValue    *prometheus.HistogramVec
	ItemsPerCart *prometheus.HistogramVec
}

// NewCartMetrics creates and registers all cart metrics
func NewCartMetrics(namespace string) *CartMetrics {
	if namespace == "" {
		namespace = "kurv"
	}

	subsystem := "cart"

	m := &CartMetrics{
		Mutations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mutations_total",
				Help:      "Total cart mutation operations",
			},
			[]string{"instance", "operation", "outcome"}, // operation: add, update, remove, condition_add, ...; outcome: ok, error
		),
		Clears: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cleared_total",
				Help:      "Total carts cleared",
			},
			[]string{"instance"},
		),
		ItemsAdded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "items_added_total",
				Help:      "Total items added to carts (quantity-aware)",
			},
			[]string{"instance"},
		),
		Merges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "merges_total",
				Help:      "Total guest-to-user cart migrations",
			},
			[]string{"strategy", "outcome"}, // outcome: merged, noop, error
		),
		VersionConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "version_conflicts_total",
				Help:      "Total optimistic concurrency conflicts on cart writes",
			},
			[]string{"operation"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total retries performed after version conflicts",
			},
			[]string{"profile"}, // profile: minor, standard
		),
		RetryExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retry_exhausted_total",
				Help:      "Total mutations that failed after exhausting conflict retries",
			},
			[]string{"operation"},
		),
		CartValue: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "value_cents",
				Help:      "Cart total distribution in minor units",
				Buckets:   []float64{500, 1000, 2500, 5000, 7500, 10000, 15000, 25000, 50000},
			},
			[]string{"instance"},
		),
		ItemsPerCart: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "items_per_cart",
				Help:      "Number of distinct lines per cart",
				Buckets:   []float64{1, 2, 3, 5, 10, 15, 20, 50},
			},
			[]string{"instance"},
		),
	}

	return m
}

// Global instance for easy access from handlers
var Cart *CartMetrics

// InitCartMetrics initializes the global cart metrics instance
func InitCartMetrics(namespace string) *CartMetrics {
	Cart = NewCartMetrics(namespace)
	return Cart
}
