package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hass_ingest"

// Metrics holds the Prometheus collectors for both pipeline halves together
// with the Health tracker behind the /status snapshot.
type Metrics struct {
	// Hub session metrics.
	ConnectionState    prometheus.Gauge
	ConnectAttempts    prometheus.Counter
	Subscriptions      *prometheus.CounterVec // labels: outcome={success,error}
	FramesReceived     prometheus.Counter
	MalformedFrames    prometheus.Counter
	EventsNormalized   prometheus.Counter
	EventsDiscarded    prometheus.Counter
	QueueDepth         prometheus.Gauge
	BackpressureDrops  prometheus.Counter
	PipelineRunning    prometheus.Gauge
	EventProcessingDur prometheus.Histogram

	// Weather enrichment metrics.
	WeatherCache       *prometheus.CounterVec // labels: result={hit,miss,stale}
	WeatherRequests    *prometheus.CounterVec // labels: outcome={success,error}
	WeatherRateLimited prometheus.Counter
	WeatherAPIDuration prometheus.Histogram
	WeatherEnabled     prometheus.Gauge

	// Delivery metrics.
	DeliveryAttempts *prometheus.CounterVec // labels: outcome={ack,retry,failed}
	DeliveryFailures prometheus.Counter
	SpilledEvents    prometheus.Counter

	// Storage metrics.
	PointsWritten           prometheus.Counter
	WriteErrors             prometheus.Counter
	WritesRejected          prometheus.Counter
	StorageRetriesExhausted prometheus.Counter
	DuplicatesSkipped       prometheus.Counter
	FieldsRouted            prometheus.Counter
	FieldsCoerced           prometheus.Counter

	Health *Health
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid "already
// registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connection_state",
			Help:      "Hub session state: 0 disconnected, 1 connecting, 2 authenticating, 3 subscribed.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_connect_attempts_total",
			Help:      "Total hub connection attempts.",
		}),
		Subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_subscriptions_total",
			Help:      "Subscribe requests by outcome.",
		}, []string{"outcome"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_frames_received_total",
			Help:      "Total frames read from the hub socket.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_malformed_frames_total",
			Help:      "Frames discarded because they could not be parsed.",
		}),
		EventsNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_normalized_total",
			Help:      "Hub events converted into canonical events.",
		}),
		EventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Control frames and unsubscribed events dropped by the normalizer.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Frames waiting for a worker.",
		}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_drops_total",
			Help:      "Oldest queued frames dropped because the queue stayed full.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		EventProcessingDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Duration of normalize, enrich and send for one event.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		WeatherCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_cache_total",
			Help:      "Weather cache lookups by result.",
		}, []string{"result"}),
		WeatherRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_requests_total",
			Help:      "Weather provider calls by outcome.",
		}, []string{"outcome"}),
		WeatherRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_rate_limited_total",
			Help:      "Lookups that skipped the provider because the rate budget was spent.",
		}),
		WeatherAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weather_api_duration_seconds",
			Help:      "Weather provider request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		WeatherEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weather_enabled",
			Help:      "1 when weather enrichment is enabled, 0 otherwise.",
		}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Events that exhausted their delivery retries.",
		}),
		SpilledEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_spilled_total",
			Help:      "Events written to the local spill buffer.",
		}),
		PointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_points_written_total",
			Help:      "Points committed to the time-series store.",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_write_errors_total",
			Help:      "Failed time-series writes.",
		}),
		WritesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_writes_rejected_total",
			Help:      "Events that produced no storable point.",
		}),
		StorageRetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_exhausted_total",
			Help:      "Delivered events dropped after every storage attempt failed.",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_duplicates_skipped_total",
			Help:      "Replayed events skipped because the point was already committed.",
		}),
		FieldsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_fields_routed_total",
			Help:      "Fields written under a type-suffixed name after a schema conflict.",
		}),
		FieldsCoerced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_fields_coerced_total",
			Help:      "Fields converted to their registered type.",
		}),
		Health: NewHealth(nil),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionState,
		m.ConnectAttempts,
		m.Subscriptions,
		m.FramesReceived,
		m.MalformedFrames,
		m.EventsNormalized,
		m.EventsDiscarded,
		m.QueueDepth,
		m.BackpressureDrops,
		m.PipelineRunning,
		m.EventProcessingDur,
		m.WeatherCache,
		m.WeatherRequests,
		m.WeatherRateLimited,
		m.WeatherAPIDuration,
		m.WeatherEnabled,
		m.DeliveryAttempts,
		m.DeliveryFailures,
		m.SpilledEvents,
		m.PointsWritten,
		m.WriteErrors,
		m.WritesRejected,
		m.StorageRetriesExhausted,
		m.DuplicatesSkipped,
		m.FieldsRouted,
		m.FieldsCoerced,
	}
}
