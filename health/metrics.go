package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checksTotal counts health probes.
	// Labels: result (ok, failed)
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grbllink",
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Health probes, by result",
	}, []string{"result"})

	// probeSeconds includes time spent queued behind other commands.
	probeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grbllink",
		Subsystem: "health",
		Name:      "probe_seconds",
		Help:      "Probe round trip in seconds, queueing included",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	healthyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grbllink",
		Subsystem: "health",
		Name:      "healthy",
		Help:      "1 while the connection is considered healthy",
	})

	stabilityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grbllink",
		Subsystem: "health",
		Name:      "stability_score",
		Help:      "Advisory connection stability score, 0-100",
	})

	// Labels: result (success, failed)
	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grbllink",
		Subsystem: "health",
		Name:      "recoveries_total",
		Help:      "Recovery procedures, by result",
	}, []string{"result"})

	disconnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grbllink",
		Subsystem: "health",
		Name:      "disconnections_total",
		Help:      "Transport disconnects observed",
	})
)
