package anchor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boardroom",
		Subsystem: "anchor",
		Name:      "sync_attempts_total",
		Help:      "Mirror attempts by entity type and outcome.",
	}, []string{"entity_type", "outcome"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "boardroom",
		Subsystem: "anchor",
		Name:      "sync_queue_depth",
		Help:      "Sync queue rows by status.",
	}, []string{"status"})
)

func recordAttempt(entityType, outcome string) {
	attemptsTotal.WithLabelValues(entityType, outcome).Inc()
}

func setQueueGauges(counts map[string]int) {
	for status, count := range counts {
		queueDepth.WithLabelValues(status).Set(float64(count))
	}
}
