package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	registry          *prometheus.Registry
	connections       prometheus.Gauge
	activeBroadcasts  prometheus.Gauge
	authFailures      prometheus.Counter
	broadcastsStarted prometheus.Counter
	broadcastsEnded   *prometheus.CounterVec
	framesRelayed     prometheus.Counter
	watchesStarted    prometheus.Counter
}

// New creates and registers the relay metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of connected relay clients",
		}),
		activeBroadcasts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_broadcasts",
			Help: "Number of live broadcasts in the directory",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total number of rejected credentials",
		}),
		broadcastsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcasts_started_total",
			Help: "Total number of broadcasts announced",
		}),
		broadcastsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_ended_total",
			Help: "Total number of broadcasts ended, by reason",
		}, []string{"reason"}),
		framesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_relayed_total",
			Help: "Total number of frames accepted from broadcasters",
		}),
		watchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_watches_started_total",
			Help: "Total number of watch subscriptions",
		}),
	}

	registry.MustRegister(
		m.connections,
		m.activeBroadcasts,
		m.authFailures,
		m.broadcastsStarted,
		m.broadcastsEnded,
		m.framesRelayed,
		m.watchesStarted,
	)
	return m
}

func (m *Metrics) SetConnections(n int)      { m.connections.Set(float64(n)) }
func (m *Metrics) SetActiveBroadcasts(n int) { m.activeBroadcasts.Set(float64(n)) }
func (m *Metrics) IncAuthFailures()          { m.authFailures.Inc() }
func (m *Metrics) IncBroadcastsStarted()     { m.broadcastsStarted.Inc() }
func (m *Metrics) IncFramesRelayed()         { m.framesRelayed.Inc() }
func (m *Metrics) IncWatchesStarted()        { m.watchesStarted.Inc() }

// IncBroadcastsEnded counts an ended broadcast under its reason.
func (m *Metrics) IncBroadcastsEnded(reason string) {
	m.broadcastsEnded.WithLabelValues(reason).Inc()
}

// Handler serves the metrics. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
