// Package metrics exposes process-wide counters for the agent. Registered on
// the default prometheus registry and served by the status surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_frames_sent_total",
		Help: "Frames sent to the inference worker.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_frames_dropped_total",
		Help: "Frames replaced in the pending slot before being sent (latest-wins).",
	})
	ResultsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_results_received_total",
		Help: "Inference results received from the worker.",
	})
	ResultsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_results_dropped_total",
		Help: "Inference results dropped on the client-to-engine queue.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_worker_reconnects_total",
		Help: "Reconnections to the inference worker.",
	})
	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_bus_dropped_total",
		Help: "Events dropped on full bus subscriber inboxes.",
	})
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_sessions_opened_total",
		Help: "Recording sessions opened.",
	})
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_sessions_closed_total",
		Help: "Recording sessions closed.",
	})
	IngestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_ingest_failures_total",
		Help: "Session store ingest requests that exhausted their retries.",
	})
	PublisherRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_publisher_restarts_total",
		Help: "Automatic publisher restarts after unexpected exits.",
	})
	HubRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_hub_restarts_total",
		Help: "Automatic camera hub restarts after unexpected exits.",
	})
)
