package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_samples_ingested_total",
			Help: "Total number of telemetry samples accepted, by transport",
		},
		[]string{"source"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_messages_dropped_total",
			Help: "Total number of inbound messages dropped",
		},
		[]string{"reason"}, // reason: topic, payload, queue_full, enrich
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spacewatch_ingest_queue_depth",
			Help: "Samples waiting in the ingest worker queues",
		},
	)

	// Engine metrics
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spacewatch_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one sample against all alert rules",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	EvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_evaluation_errors_total",
			Help: "Total number of failed rule evaluations",
		},
		[]string{"stage"}, // stage: config, hydrate, open, resolve
	)

	AlertsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_alerts_opened_total",
			Help: "Total number of alerts opened",
		},
		[]string{"kind"},
	)

	AlertsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
		[]string{"kind"},
	)

	StateDesyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_alert_state_desyncs_total",
			Help: "Resolves that found no open alert row and reset local state",
		},
		[]string{"kind"},
	)

	DebounceStates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spacewatch_debounce_states",
			Help: "Number of (space, kind) debounce states held in memory",
		},
	)

	// Config cache metrics
	ConfigCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_config_cache_lookups_total",
			Help: "Desired-config cache lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	// Broadcast metrics
	ObserversConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spacewatch_observers_connected",
			Help: "Currently connected live-update observers",
		},
	)

	ObserversDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_observers_dropped_total",
			Help: "Observers removed after a failed or blocked delivery",
		},
		[]string{"reason"}, // reason: send_failed, queue_full
	)

	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_events_broadcast_total",
			Help: "Events fanned out to observers",
		},
		[]string{"event"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacewatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
