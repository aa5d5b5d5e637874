package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "comuni_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for an ETL run
// and the read facade.
type Metrics struct {
	RunState    *prometheus.GaugeVec // labels: state; 1 for the current state
	RunDuration prometheus.Histogram
	RunsTotal   *prometheus.CounterVec // labels: outcome={done,failed}

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: provider, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec
	CoordinateSources  *prometheus.CounterVec // labels: source

	// Statistics API metrics.
	StatsFetches     *prometheus.CounterVec // labels: outcome={success,network_error,shape_error}
	StatsAPIDuration prometheus.Histogram

	// Store metrics.
	RowsLoaded    prometheus.Counter
	TablesDropped prometheus.Counter

	// Publisher metrics.
	MessagesProduced prometheus.Counter

	// Facade metrics.
	APIRequests *prometheus.CounterVec // labels: route, status
}

func newMetrics() *Metrics {
	return &Metrics{
		RunState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "1 for the state the current run is in, 0 for the others.",
		}, []string{"state"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete ETL run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed ETL runs by outcome.",
		}, []string{"outcome"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Geocoding API request duration in seconds, rate-limit wait excluded.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
		CoordinateSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinates_total",
			Help:      "Resolved registry coordinates by source.",
		}, []string{"source"}),
		StatsFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_fetches_total",
			Help:      "Statistics API fetches by outcome.",
		}, []string{"outcome"}),
		StatsAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stats_api_duration_seconds",
			Help:      "Statistics API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		RowsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows written to the city table.",
		}),
		TablesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_dropped_total",
			Help:      "Tables removed by schema synchronization.",
		}),
		MessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "City records published to the dataset topic.",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Facade requests by route and status code.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunState,
		m.RunDuration,
		m.RunsTotal,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.CoordinateSources,
		m.StatsFetches,
		m.StatsAPIDuration,
		m.RowsLoaded,
		m.TablesDropped,
		m.MessagesProduced,
		m.APIRequests,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

// Collectors exposes the metrics for a dedicated registry such as a
// Pushgateway pusher.
func (m *Metrics) Collectors() []prometheus.Collector {
	return m.collectors()
}
