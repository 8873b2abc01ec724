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
	deviceAuthTotal      *prometheus.CounterVec
	deviceAuthDuration   prometheus.Histogram
	deviceForwardTotal   *prometheus.CounterVec
	deviceForwardLatency prometheus.Histogram
	deviceTokenRetries   prometheus.Counter
	tokenCacheLookups    *prometheus.CounterVec
	tokensCached         prometheus.Gauge
	tokenSweepsTotal     prometheus.Counter
	tokensSwept          prometheus.Counter
}

// New creates a fresh Metrics registry with HTTP and device proxy metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmc",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by cmc-manager",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cmc",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by cmc-manager",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	deviceAuthTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmc",
		Name:      "device_auth_total",
		Help:      "Device token acquisitions by outcome",
	}, []string{"outcome"})

	deviceAuthDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cmc",
		Name:      "device_auth_duration_seconds",
		Help:      "Duration of device token acquisition round trips",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	})

	deviceForwardTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmc",
		Name:      "device_forward_total",
		Help:      "Proxied device requests by outcome",
	}, []string{"outcome"})

	deviceForwardLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cmc",
		Name:      "device_forward_duration_seconds",
		Help:      "Duration of proxied device requests",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	})

	deviceTokenRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cmc",
		Name:      "device_token_retries_total",
		Help:      "Requests re-sent after a device answered 401",
	})

	tokenCacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmc",
		Name:      "device_token_cache_lookups_total",
		Help:      "Device token cache lookups by result",
	}, []string{"result"})

	tokensCached := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cmc",
		Name:      "device_tokens_cached",
		Help:      "Device tokens currently held in the cache",
	})

	tokenSweepsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cmc",
		Name:      "device_token_sweeps_total",
		Help:      "Total number of token cache sweeps",
	})

	tokensSwept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cmc",
		Name:      "device_tokens_swept_total",
		Help:      "Expired device tokens removed by sweeps",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		deviceAuthTotal,
		deviceAuthDuration,
		deviceForwardTotal,
		deviceForwardLatency,
		deviceTokenRetries,
		tokenCacheLookups,
		tokensCached,
		tokenSweepsTotal,
		tokensSwept,
	)

	return &Metrics{
		registry:             registry,
		httpRequests:         httpRequests,
		httpRequestDuration:  httpRequestDuration,
		deviceAuthTotal:      deviceAuthTotal,
		deviceAuthDuration:   deviceAuthDuration,
		deviceForwardTotal:   deviceForwardTotal,
		deviceForwardLatency: deviceForwardLatency,
		deviceTokenRetries:   deviceTokenRetries,
		tokenCacheLookups:    tokenCacheLookups,
		tokensCached:         tokensCached,
		tokenSweepsTotal:     tokenSweepsTotal,
		tokensSwept:          tokensSwept,
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

// ObserveDeviceAuth records one device token acquisition.
func (m *Metrics) ObserveDeviceAuth(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deviceAuthTotal.WithLabelValues(outcome).Inc()
	m.deviceAuthDuration.Observe(duration.Seconds())
}

// ObserveDeviceForward records one proxied device request.
func (m *Metrics) ObserveDeviceForward(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deviceForwardTotal.WithLabelValues(outcome).Inc()
	m.deviceForwardLatency.Observe(duration.Seconds())
}

func (m *Metrics) IncDeviceTokenRetry() {
	if m == nil {
		return
	}
	m.deviceTokenRetries.Inc()
}

// IncTokenCacheLookup counts a cache lookup; result is "hit" or "miss".
func (m *Metrics) IncTokenCacheLookup(result string) {
	if m == nil {
		return
	}
	m.tokenCacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SetTokensCached(n int) {
	if m == nil {
		return
	}
	m.tokensCached.Set(float64(n))
}

// ObserveTokenSweep records one sweep and the number of entries it dropped.
func (m *Metrics) ObserveTokenSweep(removed int) {
	if m == nil {
		return
	}
	m.tokenSweepsTotal.Inc()
	m.tokensSwept.Add(float64(removed))
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
