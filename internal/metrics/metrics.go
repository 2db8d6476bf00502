package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry             *prometheus.Registry
	httpRequests         *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	discoveryRunsTotal   *prometheus.CounterVec
	discoveryRunDuration prometheus.Histogram
	discoveredDevices    prometheus.Gauge
	breakerState         *prometheus.GaugeVec
	breakerTransitions   *prometheus.CounterVec
	samplesIngested      prometheus.Counter
	anomalies            *prometheus.CounterVec
	anomaliesDropped     prometheus.Counter
	predictions          *prometheus.CounterVec
	bridgeMessages       *prometheus.CounterVec
}

// New creates a fresh Metrics registry with HTTP, discovery and device-health metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by core-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "homepulse",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by core-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	discoveryRunsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "discovery_runs_total",
		Help:      "Total number of discovery runs processed",
	}, []string{"status"})

	discoveryRunDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "homepulse",
		Name:      "discovery_run_duration_seconds",
		Help:      "Duration of discovery runs from start to finish",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	discoveredDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "homepulse",
		Name:      "discovered_devices",
		Help:      "Number of unified devices after the last discovery run",
	})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "homepulse",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per endpoint (0=closed, 1=half_open, 2=open)",
	}, []string{"endpoint"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions per endpoint and target state",
	}, []string{"endpoint", "to"})

	samplesIngested := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "metric_samples_ingested_total",
		Help:      "Device metric samples appended to rolling windows",
	})

	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "anomalies_detected_total",
		Help:      "Anomalies detected on ingest by metric and severity",
	}, []string{"metric", "severity"})

	anomaliesDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "anomaly_deliveries_dropped_total",
		Help:      "Anomaly notifications dropped because the delivery queue was full",
	})

	predictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "failure_predictions_total",
		Help:      "Failure predictions served by model version",
	}, []string{"model_version"})

	bridgeMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homepulse",
		Name:      "bridge_messages_total",
		Help:      "Device-bridge messages processed by kind and outcome",
	}, []string{"kind", "outcome"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		discoveryRunsTotal,
		discoveryRunDuration,
		discoveredDevices,
		breakerState,
		breakerTransitions,
		samplesIngested,
		anomalies,
		anomaliesDropped,
		predictions,
		bridgeMessages,
	)

	return &Metrics{
		registry:             registry,
		httpRequests:         httpRequests,
		httpRequestDuration:  httpRequestDuration,
		discoveryRunsTotal:   discoveryRunsTotal,
		discoveryRunDuration: discoveryRunDuration,
		discoveredDevices:    discoveredDevices,
		breakerState:         breakerState,
		breakerTransitions:   breakerTransitions,
		samplesIngested:      samplesIngested,
		anomalies:            anomalies,
		anomaliesDropped:     anomaliesDropped,
		predictions:          predictions,
		bridgeMessages:       bridgeMessages,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncDiscoveryRun increments the discovery run counter for the given outcome.
func (m *Metrics) IncDiscoveryRun(status string) {
	if m == nil {
		return
	}
	m.discoveryRunsTotal.WithLabelValues(status).Inc()
}

// ObserveDiscoveryRunDuration observes a discovery run duration.
func (m *Metrics) ObserveDiscoveryRunDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.discoveryRunDuration.Observe(duration.Seconds())
}

func (m *Metrics) SetDiscoveredDevices(n int) {
	if m == nil {
		return
	}
	m.discoveredDevices.Set(float64(n))
}

// SetBreakerState records the breaker state for an endpoint.
func (m *Metrics) SetBreakerState(endpoint, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(endpoint).Set(v)
}

func (m *Metrics) IncBreakerTransition(endpoint, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(endpoint, to).Inc()
}

func (m *Metrics) IncSamplesIngested() {
	if m == nil {
		return
	}
	m.samplesIngested.Inc()
}

func (m *Metrics) IncAnomaly(metric, severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(metric, severity).Inc()
}

func (m *Metrics) IncAnomalyDropped() {
	if m == nil {
		return
	}
	m.anomaliesDropped.Inc()
}

func (m *Metrics) IncPrediction(modelVersion string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(modelVersion).Inc()
}

func (m *Metrics) IncBridgeMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.bridgeMessages.WithLabelValues(kind, outcome).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
