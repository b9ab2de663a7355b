package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed tracks every sync attempt outcome
	// status: synced, retry, failed, conflict
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_items_total",
		Help: "Total number of queue item sync attempts by outcome",
	}, []string{"status", "type"})

	// PassDuration measures how long a full syncAll pass takes
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_pass_duration_seconds",
		Help:    "Duration of a sync pass in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DispatchDuration is the latency of a single remote call
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_sync_dispatch_duration_seconds",
		Help:    "Time taken by the remote collaborator to apply one queue item",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"type", "status"})

	// EnqueueTotal counts accepted and rejected enqueue calls
	// status: saved, too_large, encryption_error, storage_error
	EnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_enqueue_total",
		Help: "Total number of enqueue calls by result",
	}, []string{"status", "type"})

	// Backlog is the current number of persisted items per sync status
	// Frozen statuses (failed, conflict) need an operator
	Backlog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_sync_backlog",
		Help: "Current number of queue items by sync status",
	}, []string{"status"})

	// Online mirrors the connectivity monitor: 1 online, 0 offline
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_online",
		Help: "Current connectivity state (1 for online, 0 for offline)",
	})

	// BridgeHealthy provides a binary 0/1 signal for the RabbitMQ event bridge
	BridgeHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_bridge_healthy",
		Help: "Current health of the event bridge (1 for healthy, 0 for unhealthy)",
	})

	// BridgeDropped counts events dropped because the bridge buffer was full
	BridgeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_bridge_dropped_total",
		Help: "Total number of bus events the bridge could not buffer",
	})

	// BridgeReconnections counts how many times the agent restored the broker link
	BridgeReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_bridge_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})
)
