// Package metrics contains the prometheus metrics shared by the server and
// the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for general use, by both roles.
var (
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "teleview_active_sessions",
			Help: "A gauge of sessions currently running in this process.",
		},
		[]string{"role"})
	SessionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_sessions_total",
			Help: "Number of sessions run by this process, by how they ended.",
		},
		[]string{"role", "result"},
	)
	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_lifecycle_events_total",
			Help: "Number of connection lifecycle events observed by the update loop.",
		},
		[]string{"event"},
	)
	Rejoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teleview_rejoins_total",
			Help: "Number of scheduled join attempts after the connection ended or failed.",
		},
	)
	FramesPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_frames_pushed_total",
			Help: "Number of frames rendered and pushed to a virtual video device.",
		},
		[]string{"mode"},
	)
	FrameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_frame_errors_total",
			Help: "Number of frames lost, by the stage that failed.",
		},
		[]string{"stage"},
	)
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_messages_received_total",
			Help: "Number of messages received, by kind.",
		},
		[]string{"kind"},
	)
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_messages_dropped_total",
			Help: "Number of messages dropped, by kind and reason.",
		},
		[]string{"kind", "reason"},
	)
	EchoRTT = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "teleview_echo_rtt_seconds",
			Help:    "WebSocket ping round trip times.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	SendStaleness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "teleview_send_staleness_seconds",
			Help:    "Time since the last pose send, sampled once per second.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	ExperimentSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teleview_experiment_samples_total",
			Help: "Number of experiment samples recorded.",
		},
	)
	Artifacts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_artifacts_total",
			Help: "Number of experiment artifacts handled, by type and result.",
		},
		[]string{"type", "result"},
	)
)
