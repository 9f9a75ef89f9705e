// Package metrics provides Prometheus metrics for shadowgate's local and
// server peers.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shadowgate"

// Metrics holds the session-lifecycle and codec-health instrumentation
// shared by both peers: session counts, byte totals, and AEAD tag
// failures, the instrumentation a relay's sessions and transfers actually
// produce.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// BytesTransferred is labeled by direction: "out" for plaintext -> tunnel,
	// "in" for tunnel -> plaintext.
	BytesTransferred *prometheus.CounterVec

	TagFailures prometheus.Counter

	ResolverCacheHits   prometheus.Counter
	ResolverCacheMisses prometheus.Counter

	// ListenerConnections is labeled by listener ("local" for the local
	// peer's combined SOCKS5/HTTP CONNECT accept loops, "tunnel" for the
	// server peer's raw TCP tunnel listener; WebSocket tunnels are not
	// counted): it tracks raw accepted sockets, which run ahead of
	// SessionsActive during the handshake/first-payload window before a
	// session is established.
	ListenerConnections *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// Handler returns an http.Handler serving this Metrics instance's
// registered collectors in the Prometheus exposition format, for mounting
// at /metrics on the server peer's optional metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics registers a fresh Metrics instance against the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers a fresh Metrics instance against reg,
// for use in tests that need an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	return &Metrics{
		gatherer: gatherer,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open client-to-destination sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions opened since start.",
		}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed, labeled by direction (in/out).",
		}, []string{"direction"}),
		TagFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tag_failures_total",
			Help:      "AEAD tag verification failures (tampered or corrupted frames).",
		}),
		ResolverCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_cache_hits_total",
			Help:      "DNS resolver cache hits.",
		}),
		ResolverCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_cache_misses_total",
			Help:      "DNS resolver cache misses.",
		}),
		ListenerConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_connections",
			Help:      "Raw accepted sockets per listener, labeled by listener name.",
		}, []string{"listener"}),
	}
}
