package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	sessionsActive prometheus.Gauge
	rosterSize     prometheus.Gauge
	feedsActive    prometheus.Gauge

	// Counters
	sessionsTotal       prometheus.Counter
	signalsSent         *prometheus.CounterVec
	signalsReceived     *prometheus.CounterVec
	signalsIgnored      *prometheus.CounterVec
	signalAppendFailed  prometheus.Counter
	handshakesCompleted prometheus.Counter

	// Histograms
	handshakeDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_peer_sessions_active",
			Help: "Number of live pairwise media sessions",
		}),

		rosterSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_roster_size",
			Help: "Number of participants in the last directory snapshot",
		}),

		feedsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_remote_feeds_active",
			Help: "Number of remote media feeds currently flowing",
		}),

		sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_peer_sessions_total",
			Help: "Total number of pairwise media sessions opened",
		}),

		signalsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signals_sent_total",
			Help: "Signal messages appended to the shared channel",
		}, []string{"kind"}),

		signalsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signals_received_total",
			Help: "Signal messages addressed to this participant",
		}, []string{"kind"}),

		signalsIgnored: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signals_ignored_total",
			Help: "Signal messages dropped before dispatch",
		}, []string{"reason"}),

		signalAppendFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_signal_append_failures_total",
			Help: "Failed writes to the shared signal channel",
		}),

		handshakesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_handshakes_completed_total",
			Help: "Pairwise handshakes that reached the connected state",
		}),

		handshakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_handshake_duration_seconds",
			Help:    "Time from session creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) SessionOpened() {
	p.sessionsTotal.Inc()
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) SessionClosed() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) SignalSent(kind string) {
	p.signalsSent.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) SignalReceived(kind string) {
	p.signalsReceived.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) SignalAppendFailed() {
	p.signalAppendFailed.Inc()
}

func (p *PrometheusCollector) SignalIgnored(reason string) {
	p.signalsIgnored.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) HandshakeCompleted(d time.Duration) {
	p.handshakesCompleted.Inc()
	p.handshakeDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) FeedAvailable() {
	p.feedsActive.Inc()
}

func (p *PrometheusCollector) FeedLost() {
	p.feedsActive.Dec()
}

func (p *PrometheusCollector) RosterSize(n int) {
	p.rosterSize.Set(float64(n))
}
