package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ContentEventMetrics tracks the content-updated subscriber.
type ContentEventMetrics struct {
	service string

	processTotal    *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	invalidated     prometheus.Counter
}

func NewContentEventMetrics(service string, registerer prometheus.Registerer) *ContentEventMetrics {
	processTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "content_updated_total",
			Help:      "Processed content-updated events by status.",
		},
		[]string{"service", "status"},
	)
	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "content_updated_duration_seconds",
			Help:      "Content-updated handling duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"service"},
	)
	invalidated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "cache_entries_invalidated_total",
			Help:      "Cache entries dropped because their source content changed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registerer.MustRegister(processTotal, processDuration, invalidated)

	return &ContentEventMetrics{
		service:         service,
		processTotal:    processTotal,
		processDuration: processDuration,
		invalidated:     invalidated,
	}
}

func (m *ContentEventMetrics) Record(status string, removed int, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	m.processTotal.WithLabelValues(m.service, status).Inc()
	m.processDuration.WithLabelValues(m.service).Observe(duration.Seconds())
	if removed > 0 {
		m.invalidated.Add(float64(removed))
	}
}
