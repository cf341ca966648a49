package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: принятые и отброшенные как дубликаты события
	IngestedEvents *prometheus.CounterVec
	DedupedEvents  *prometheus.CounterVec

	// Latency: синхронная часть приема (валидация + dedup + постановка в очередь)
	IngestDuration *prometheus.HistogramVec

	// Errors
	ValidationFailures  *prometheus.CounterVec
	ProcessorFailures   *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	DispatchDropped     prometheus.Counter

	// OTLP приемник
	OTLPExportCalls           prometheus.Counter
	OTLPNormalizedEvents      prometheus.Counter
	OTLPDroppedRecords        prometheus.Counter
	OTLPNormalizationFailures prometheus.Counter
	OTLPSinkFailures          prometheus.Counter

	// Saturation: глубина очередей диспетчера и состояние предохранителей хранилищ
	QueueDepth          prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		IngestedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrace_ingested_events_total",
			Help: "Events accepted for processing.",
		}, []string{"source"}),

		DedupedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrace_deduped_events_total",
			Help: "Events rejected as duplicates by eventId.",
		}, []string{"source"}),

		IngestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agenttrace_ingest_duration_seconds",
			Help:    "Histogram of synchronous ingest latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"endpoint"}),

		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrace_validation_failures_total",
			Help: "Requests rejected by validation.",
		}, []string{"endpoint"}),

		ProcessorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrace_processor_failures_total",
			Help: "Post-acceptance processor failures.",
		}, []string{"processor"}),

		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrace_persistence_failures_total",
			Help: "Failed write-through operations by store.",
		}, []string{"store"}),

		DispatchDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "agenttrace_dispatch_dropped_total",
			Help: "Accepted events abandoned because the request context ended while the queue was full.",
		}),

		OTLPExportCalls: f.NewCounter(prometheus.CounterOpts{
			Name: "agenttrace_otlp_export_calls_total",
			Help: "OTLP log export calls.",
		}),
		OTLPNormalizedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "agenttrace_otlp_normalized_events_total",
			Help: "Envelopes produced from OTLP log records.",
		}),
		OTLPDroppedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "agenttrace_otlp_dropped_records_total",
			Help: "OTLP log records that could not be normalized.",
		}),
		OTLPNormalizationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "agenttrace_otlp_normalization_failures_total",
			Help: "Normalization errors reported for OTLP batches.",
		}),
		OTLPSinkFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "agenttrace_otlp_sink_failures_total",
			Help: "Normalized OTLP envelopes that failed to ingest.",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "agenttrace_dispatch_queue_depth",
			Help: "Accepted events waiting for the processor chain.",
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agenttrace_circuit_breaker_state",
			Help: "Current state of the storage circuit breaker (0=closed, 1=open).",
		}, []string{"store"}),
	}
}
