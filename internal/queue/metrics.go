package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driprelay"

var (
	queueEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "entries",
			Help:      "Number of queue entries by status",
		},
		[]string{"status"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sends_total",
			Help:      "Total outbound send attempts by result",
		},
		[]string{"result"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the transport gateway send call",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	entriesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "entries_resolved_total",
			Help:      "Total entry resolutions by outcome",
		},
		[]string{"outcome"},
	)

	sweepResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sweep_resolved_total",
			Help:      "Total stalled entries resolved by sweeps, by resolution",
		},
		[]string{"resolution"},
	)

	sweepRedispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sweep_redispatched_total",
			Help:      "Stuck queue keys re-dispatched by sweeps",
		},
	)

	triggersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "triggers_dropped_total",
			Help:      "Dispatch triggers dropped due to a full dispatch queue",
		},
	)
)

// recordSend records one outbound send attempt.
func recordSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

// recordSendDuration records time spent in a gateway send call.
func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

// recordResolution records an entry resolution outcome.
func recordResolution(outcome string) {
	entriesResolved.WithLabelValues(outcome).Inc()
}

// recordSweepResolution records how a sweep resolved one stalled entry.
func recordSweepResolution(resolution string) {
	sweepResolved.WithLabelValues(resolution).Inc()
}

// recordSweepRedispatch records one stuck key re-dispatched by a sweep.
func recordSweepRedispatch() {
	sweepRedispatched.Inc()
}

func recordTriggerDropped() {
	triggersDropped.Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *Stats) {
	queueEntries.WithLabelValues("pending").Set(float64(stats.Pending))
	queueEntries.WithLabelValues("sent").Set(float64(stats.Sent))
	queueEntries.WithLabelValues("delivered").Set(float64(stats.Delivered))
	queueEntries.WithLabelValues("failed").Set(float64(stats.Failed))
}
