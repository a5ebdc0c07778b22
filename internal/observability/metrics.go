// Package observability exposes Prometheus metrics for the orchestration
// core. Collectors are package-level and registered once via promauto.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsStarted counts harness turns begun, by backend.
	TurnsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "missionctl",
		Name:      "turns_started_total",
		Help:      "Harness turns started, by backend.",
	}, []string{"backend"})

	// TurnsFinished counts finished turns, by resulting mission status.
	TurnsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "missionctl",
		Name:      "turns_finished_total",
		Help:      "Harness turns finished, by resulting mission status.",
	}, []string{"status"})

	// QueueDepth tracks the number of messages waiting in the global queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "missionctl",
		Name:      "queue_depth",
		Help:      "Messages waiting in the global scheduler queue.",
	})

	// BusySlots tracks slots currently bound to a mission.
	BusySlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "missionctl",
		Name:      "busy_slots",
		Help:      "Execution slots currently running or paused.",
	})

	// AutomationFirings counts automation trigger firings, by source.
	AutomationFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "missionctl",
		Name:      "automation_firings_total",
		Help:      "Automation firings, by trigger source.",
	}, []string{"source"})

	// WebhookRequests counts webhook deliveries, by outcome.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "missionctl",
		Name:      "webhook_requests_total",
		Help:      "Webhook deliveries, by outcome.",
	}, []string{"outcome"})

	// StreamClients tracks connected SSE and websocket subscribers.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "missionctl",
		Name:      "stream_clients",
		Help:      "Connected event stream subscribers.",
	})
)
