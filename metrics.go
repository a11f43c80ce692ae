package thinclient

import "github.com/prometheus/client_golang/prometheus"

// metrics is the Prometheus surface for this core. A nil *metrics (the
// zero value from NewClient without a registerer) disables collection
// entirely; every call site checks for nil before touching it.
type metrics struct {
	sessionsLive      prometheus.Gauge
	requestsSent      prometheus.Counter
	failovers         prometheus.Counter
	topologyRefreshes prometheus.Counter
	backgroundConnect prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thinclient",
			Name:      "sessions_live",
			Help:      "Number of node sessions currently open.",
		}),
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thinclient",
			Name:      "requests_sent_total",
			Help:      "Total number of requests sent to cluster nodes.",
		}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thinclient",
			Name:      "failovers_total",
			Help:      "Total number of retries triggered by a lost connection.",
		}),
		topologyRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thinclient",
			Name:      "topology_refreshes_total",
			Help:      "Total number of adopted affinity topology version bumps and applied partition map refreshes.",
		}),
		backgroundConnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thinclient",
			Name:      "background_connect_attempts_total",
			Help:      "Total number of background connector sweeps requested.",
		}),
	}
	reg.MustRegister(m.sessionsLive, m.requestsSent, m.failovers, m.topologyRefreshes, m.backgroundConnect)
	return m
}
