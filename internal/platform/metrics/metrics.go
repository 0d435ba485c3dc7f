package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for the manifest cache and origin error counters.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"

	KindManifest = "manifest"
	KindSegment  = "segment"
)

// Metrics holds Prometheus counters and gauges for the HLS relay.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	manifestCacheTotal  *prometheus.CounterVec
	originErrorsTotal   *prometheus.CounterVec
	segmentBytesTotal   prometheus.Counter
	segmentsServedTotal prometheus.Counter
	cachedChannels      prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_proxy_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_proxy_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	manifestCacheTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_proxy_manifest_cache_total",
		Help: "Manifest lookups by cache result (hit or miss)",
	}, []string{"result"})
	originErrorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_proxy_origin_errors_total",
		Help: "Failed origin requests by resource kind (manifest or segment)",
	}, []string{"kind"})
	segmentBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_proxy_segment_bytes_total",
		Help: "Total number of segment bytes relayed to clients",
	})
	segmentsServedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_proxy_segments_served_total",
		Help: "Total number of segment responses started",
	})
	cachedChannels := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hls_proxy_cached_channels",
		Help: "Number of channels with a manifest entry in the cache",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		manifestCacheTotal,
		originErrorsTotal,
		segmentBytesTotal,
		segmentsServedTotal,
		cachedChannels,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		manifestCacheTotal:  manifestCacheTotal,
		originErrorsTotal:   originErrorsTotal,
		segmentBytesTotal:   segmentBytesTotal,
		segmentsServedTotal: segmentsServedTotal,
		cachedChannels:      cachedChannels,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncManifestCache records a manifest lookup; result is CacheHit or CacheMiss.
func (m *Metrics) IncManifestCache(result string) {
	m.manifestCacheTotal.WithLabelValues(result).Inc()
}

// IncOriginErrors records a failed origin request; kind is KindManifest or KindSegment.
func (m *Metrics) IncOriginErrors(kind string) {
	m.originErrorsTotal.WithLabelValues(kind).Inc()
}

// IncSegmentsServed increments the segment responses counter.
func (m *Metrics) IncSegmentsServed() {
	m.segmentsServedTotal.Inc()
}

// AddSegmentBytes adds n to the relayed segment bytes counter.
func (m *Metrics) AddSegmentBytes(n int64) {
	if n > 0 {
		m.segmentBytesTotal.Add(float64(n))
	}
}

// SetCachedChannels sets the cached channels gauge.
func (m *Metrics) SetCachedChannels(n int) {
	m.cachedChannels.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. cached channels).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
