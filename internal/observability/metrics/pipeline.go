package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineObserver.
type PipelineMetrics struct {
	service string

	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	responses     *prometheus.CounterVec
	confidence    *prometheus.HistogramVec
	compression   *prometheus.HistogramVec
	tokens        *prometheus.HistogramVec
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "stage"},
	)
	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_total",
			Help:      "Pipeline stage executions by outcome.",
		},
		[]string{"service", "stage", "success", "fallback"},
	)
	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Context cache lookups by result.",
		},
		[]string{"service", "result"},
	)
	responses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "responses_total",
			Help:      "Pipeline responses by intent and degradation mode.",
		},
		[]string{"service", "intent", "mode"},
	)
	confidence := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "confidence",
			Help:      "Distribution of response confidence.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"service", "intent"},
	)
	compression := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "compression_rate",
			Help:      "Final over original token ratio after pruning.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"service", "intent"},
	)
	tokens := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "context_tokens",
			Help:      "Tokens of assembled context per response.",
			Buckets:   []float64{0, 100, 250, 500, 1000, 1500, 2000, 3000, 4000},
		},
		[]string{"service", "intent"},
	)

	registerer.MustRegister(stageDuration, stageTotal, cacheLookups, responses, confidence, compression, tokens)

	return &PipelineMetrics{
		service:       service,
		stageDuration: stageDuration,
		stageTotal:    stageTotal,
		cacheLookups:  cacheLookups,
		responses:     responses,
		confidence:    confidence,
		compression:   compression,
		tokens:        tokens,
	}
}

func (m *PipelineMetrics) ObserveStage(stat domain.StageStat) {
	m.stageDuration.WithLabelValues(m.service, stat.Stage).Observe(stat.Duration.Seconds())
	m.stageTotal.WithLabelValues(
		m.service,
		stat.Stage,
		strconv.FormatBool(stat.Success),
		strconv.FormatBool(stat.Fallback),
	).Inc()
}

func (m *PipelineMetrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(m.service, result).Inc()
}

func (m *PipelineMetrics) ObserveResponse(resp *domain.QueryResponse) {
	if resp == nil {
		return
	}
	intent := string(resp.Metadata.QueryIntent)
	if intent == "" {
		intent = "unknown"
	}
	mode := "normal"
	switch {
	case resp.Metadata.Emergency:
		mode = "emergency"
	case len(resp.Metadata.FallbacksUsed) > 0:
		mode = "degraded"
	}
	m.responses.WithLabelValues(m.service, intent, mode).Inc()
	m.confidence.WithLabelValues(m.service, intent).Observe(resp.Confidence)
	if resp.Metadata.CompressionRate > 0 {
		m.compression.WithLabelValues(m.service, intent).Observe(resp.Metadata.CompressionRate)
	}
	m.tokens.WithLabelValues(m.service, intent).Observe(float64(resp.Metadata.TotalTokens))
}

// RegisterCacheStats exposes live cache counters as gauges.
func RegisterCacheStats(service string, registerer prometheus.Registerer, stats func() domain.CacheStats) {
	labels := prometheus.Labels{"service": service}
	gauge := func(name, help string, value func(domain.CacheStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return value(stats()) })
	}
	registerer.MustRegister(
		gauge("entries", "Entries currently held by the context cache.", func(s domain.CacheStats) float64 { return float64(s.Entries) }),
		gauge("memory_bytes", "Estimated context cache memory.", func(s domain.CacheStats) float64 { return float64(s.MemoryBytes) }),
		gauge("hit_rate", "Context cache hit rate since start.", func(s domain.CacheStats) float64 { return s.HitRate }),
		gauge("ttl_multiplier", "Adaptive TTL multiplier.", func(s domain.CacheStats) float64 { return s.TTLMultiplier }),
		gauge("evictions", "Context cache evictions since start.", func(s domain.CacheStats) float64 { return float64(s.Evictions) }),
	)
}
