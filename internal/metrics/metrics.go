package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scanguard"

// Record outcomes used as the "result" label of records_total.
const (
	ResultEvent     = "event"
	ResultAllowed   = "allowed"
	ResultOther     = "other"
	ResultIgnored   = "ignored"
	ResultMalformed = "malformed"
)

// Metrics holds the process collectors. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	registry       *prometheus.Registry
	records        *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	sinkFailures   *prometheus.CounterVec
	alertsDropped  prometheus.Counter
	ingestDropped  *prometheus.CounterVec
	trackedSources prometheus.Gauge
	sweptSources   prometheus.Counter
	processingTime prometheus.Histogram
	alertQueue     prometheus.Gauge
}

func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.records = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Log records processed, by normalization outcome",
	}, []string{"result"})

	m.alerts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Scan alerts emitted, by kind",
	}, []string{"kind"})

	m.sinkFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_failures_total",
		Help:      "Alert deliveries that failed, by sink",
	}, []string{"sink"})

	m.alertsDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_dropped_total",
		Help:      "Alerts discarded because the dispatch queue was full",
	})

	m.ingestDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_dropped_total",
		Help:      "Records discarded because the ingest channel was full, by transport",
	}, []string{"transport"})

	m.trackedSources = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_sources",
		Help:      "Source addresses currently held in the window store",
	})

	m.sweptSources = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swept_sources_total",
		Help:      "Expired source states removed by the sweeper",
	})

	m.processingTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_duration_seconds",
		Help:      "Time spent normalizing and evaluating one record",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 12),
	})

	m.alertQueue = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alert_queue_length",
		Help:      "Alerts waiting for delivery",
	})

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordProcessed(result string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertEmitted(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) AlertDropped() {
	if m == nil {
		return
	}
	m.alertsDropped.Inc()
}

func (m *Metrics) IngestDropped(transport string) {
	if m == nil {
		return
	}
	m.ingestDropped.WithLabelValues(transport).Inc()
}

func (m *Metrics) SetTrackedSources(n int) {
	if m == nil {
		return
	}
	m.trackedSources.Set(float64(n))
}

func (m *Metrics) SourcesSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptSources.Add(float64(n))
}

func (m *Metrics) ObserveProcessing(seconds float64) {
	if m == nil {
		return
	}
	m.processingTime.Observe(seconds)
}

func (m *Metrics) SetAlertQueue(n int) {
	if m == nil {
		return
	}
	m.alertQueue.Set(float64(n))
}
