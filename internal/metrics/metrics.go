// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the control plane's Prometheus instruments
// and the collector that keeps the fleet gauges current.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Hot-path instruments, updated inline by the owning packages.
var (
	HubConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flymesh_hub_connected",
		Help: "Whether the hub agent command channel is up (1 connected, 0 down)",
	})

	CommandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flymesh_hub_command_duration_seconds",
		Help:    "Round-trip latency of commands sent to the hub agent",
		Buckets: prometheus.DefBuckets,
	})

	NodesConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flymesh_agents_connected",
		Help: "Node agents holding a live push channel",
	})

	NotificationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flymesh_notifications_sent_total",
		Help: "Push frames delivered to node agents",
	})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flymesh_events_published_total",
		Help: "Domain events published on the bus, by type",
	}, []string{"event_type"})

	HandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flymesh_event_handler_failures_total",
		Help: "Event handlers that exhausted their retries, by type and handler",
	}, []string{"event_type", "handler"})
)

// Fleet gauges, refreshed by the Collector.
var (
	NodesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flymesh_nodes",
		Help: "Registered nodes by lifecycle status",
	}, []string{"status"})

	PoolUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flymesh_pool_used_addresses",
		Help: "Overlay addresses currently leased",
	})

	PoolFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flymesh_pool_free_addresses",
		Help: "Overlay addresses still allocatable",
	})

	ClientDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flymesh_client_devices",
		Help: "Registered client devices",
	})

	Uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flymesh_uptime_seconds",
		Help: "Control plane uptime in seconds",
	})
)

func init() {
	prometheus.MustRegister(
		HubConnected,
		CommandDuration,
		NodesConnected,
		NotificationsSent,
		EventsPublished,
		HandlerFailures,
		NodesByStatus,
		PoolUsed,
		PoolFree,
		ClientDevices,
		Uptime,
	)
}
