// Package metrics exposes the worker's Prometheus instrumentation, grouped
// into one struct per pipeline concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds the counters and histograms updated by the Event and
// Generation consumers, the router, and the cluster bus.
type Pipeline struct {
	EventsConsumed      *prometheus.CounterVec
	MessagesGenerated   *prometheus.CounterVec
	EffectsApplied      *prometheus.CounterVec
	OutputSendDuration  *prometheus.HistogramVec
	RoutesFinished      *prometheus.CounterVec
	TmpQueuesGCed       prometheus.Counter
	ClusterActionsTotal *prometheus.CounterVec
}

// New creates the pipeline metric group under serviceName, registering each
// metric with the default Prometheus registry via promauto.
func New(serviceName string) *Pipeline {
	return &Pipeline{
		EventsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_consumed_total",
				Help: "Total number of events consumed, by event type",
			},
			[]string{"event_type"},
		),
		MessagesGenerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_messages_generated_total",
				Help: "Total number of messages generated, by event type",
			},
			[]string{"event_type"},
		),
		EffectsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_effects_applied_total",
				Help: "Total number of effect applications, by effect name and outcome",
			},
			[]string{"effect", "outcome"},
		),
		OutputSendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_output_send_duration_seconds",
				Help:    "Output backend send/check duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"output"},
		),
		RoutesFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_routes_finished_total",
				Help: "Total number of routes that reached a terminal status, by status",
			},
			[]string{"status"},
		),
		TmpQueuesGCed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_tmp_queues_gc_total",
				Help: "Total number of idle tmp generation queues garbage collected",
			},
		),
		ClusterActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_cluster_actions_total",
				Help: "Total number of cluster bus actions observed, by action and outcome",
			},
			[]string{"action", "outcome"},
		),
	}
}
