package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// commandsTotal counts settled commands.
	// Labels: result (ok, error, alarm, timeout, cancelled, write_failed, disconnected, queue_full)
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grbllink",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Commands settled, by result",
	}, []string{"result"})

	// responseSeconds measures time from write to acknowledgement.
	responseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grbllink",
		Subsystem: "dispatch",
		Name:      "response_seconds",
		Help:      "Time from write to acknowledgement in seconds",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grbllink",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Commands waiting to be sent",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grbllink",
		Subsystem: "dispatch",
		Name:      "in_flight",
		Help:      "Commands sent but not yet acknowledged",
	})

	// unsolicitedTotal counts lines not matched to a command.
	// Labels: type (status, setting, alarm, info, ok, error)
	unsolicitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grbllink",
		Subsystem: "dispatch",
		Name:      "unsolicited_lines_total",
		Help:      "Inbound lines not matched to a command",
	}, []string{"type"})
)

func resultLabel(err error) string {
	switch Code(err) {
	case "COMMAND_TIMEOUT":
		return "timeout"
	case "COMMAND_CANCELLED":
		return "cancelled"
	case "WRITE_FAILED":
		return "write_failed"
	case "DISCONNECTED":
		return "disconnected"
	case "QUEUE_FULL":
		return "queue_full"
	}
	return "other"
}
