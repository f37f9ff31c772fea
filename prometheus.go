package midipe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver implements Observer on prometheus collectors, for
// clients that already run a scrape endpoint.
type PrometheusObserver struct {
	begun    *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  prometheus.Histogram
	chunks   prometheus.Counter
	bytes    prometheus.Counter
	dups     prometheus.Counter
	unknown  prometheus.Counter
	active   prometheus.Gauge
}

// NewPrometheusObserver registers the client's collectors with reg and
// returns the observer. Pass prometheus.DefaultRegisterer for the default
// registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)

	return &PrometheusObserver{
		begun: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midipe_requests_begun_total",
			Help: "Property exchange transactions started, by resource.",
		}, []string{"resource"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midipe_requests_finalized_total",
			Help: "Property exchange transactions finalized, by outcome.",
		}, []string{"outcome"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midipe_device_errors_total",
			Help: "Device-reported PE failures, by status code.",
		}, []string{"status"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "midipe_request_duration_seconds",
			Help:    "Transaction latency from begin to finalize.",
			Buckets: []float64{.0001, .001, .01, .1, 1, 5, 10, 30},
		}),
		chunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "midipe_chunks_received_total",
			Help: "Inbound response chunks seen, duplicates included.",
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "midipe_chunk_bytes_total",
			Help: "Property bytes carried by inbound chunks.",
		}),
		dups: factory.NewCounter(prometheus.CounterOpts{
			Name: "midipe_duplicate_chunks_total",
			Help: "Inbound chunks dropped as duplicates or corrupt.",
		}),
		unknown: factory.NewCounter(prometheus.CounterOpts{
			Name: "midipe_unknown_request_total",
			Help: "Inbound traffic for request IDs with no transaction.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "midipe_active_transactions",
			Help: "Transactions currently in flight (max 128).",
		}),
	}
}

func (o *PrometheusObserver) ObserveBegin(resource string) {
	o.begun.WithLabelValues(resource).Inc()
}

func (o *PrometheusObserver) ObserveSuccess(_ uint64, latencyNs uint64) {
	o.outcomes.WithLabelValues("success").Inc()
	o.latency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveError(status int, latencyNs uint64) {
	o.outcomes.WithLabelValues("error").Inc()
	o.errors.WithLabelValues(strconv.Itoa(status)).Inc()
	o.latency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveTimeout(latencyNs uint64) {
	o.outcomes.WithLabelValues("timeout").Inc()
	o.latency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveCancel(latencyNs uint64) {
	o.outcomes.WithLabelValues("cancelled").Inc()
	o.latency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveChunk(bytes uint64, duplicate bool) {
	o.chunks.Inc()
	if duplicate {
		o.dups.Inc()
	} else {
		o.bytes.Add(float64(bytes))
	}
}

func (o *PrometheusObserver) ObserveUnknownRequest() {
	o.unknown.Inc()
}

func (o *PrometheusObserver) ObserveActiveCount(count int) {
	o.active.Set(float64(count))
}

var _ Observer = (*PrometheusObserver)(nil)
