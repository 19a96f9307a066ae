package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type auditMetrics struct {
	events *prometheus.CounterVec
}

var (
	auditMetricsOnce sync.Once
	auditRegistry    *auditMetrics
)

// Audit returns the metrics registry tracking operator audit trail entries.
func Audit() *auditMetrics {
	auditMetricsOnce.Do(func() {
		auditRegistry = &auditMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Count of audit trail entries segmented by action.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(auditRegistry.events)
	})
	return auditRegistry
}

// RecordEvent increments the audit counter for the supplied action.
func (m *auditMetrics) RecordEvent(action string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(action))
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}
