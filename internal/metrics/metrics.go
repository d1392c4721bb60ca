// Package metrics exposes prometheus collectors for the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestTotal counts HTTP requests by method, route and status.
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxide_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	// RequestDuration is the latency of HTTP requests, long polls included.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oxide_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxide_tasks_created_total",
		Help: "Total number of tasks created on this node",
	})
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxide_task_transitions_total",
			Help: "Task state transitions",
		},
		[]string{"from", "to"},
	)
	TasksEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxide_tasks_evicted_total",
			Help: "Tasks removed from the registry, by final state",
		},
		[]string{"state"},
	)

	BuffersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxide_buffers_created_total",
		Help: "Output buffers created",
	})
	BuffersDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxide_buffers_destroyed_total",
		Help: "Output buffers destroyed",
	})
	PagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxide_buffer_pages_dropped_total",
		Help: "Unacknowledged pages dropped by buffer teardown",
	})
	ResultPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxide_result_pages_served_total",
		Help: "Pages served to downstream consumers",
	})
	ResultBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxide_result_bytes_served_total",
		Help: "Serialized page bytes served to downstream consumers",
	})

	MemoryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxide_memory_exhausted_total",
			Help: "Reservations denied because the pool was full",
		},
		[]string{"pool"},
	)
	PoolReservedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oxide_memory_pool_reserved_bytes",
			Help: "Non-revocable bytes reserved per pool",
		},
		[]string{"pool"},
	)
	PoolRevocableBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oxide_memory_pool_revocable_bytes",
			Help: "Revocable bytes reserved per pool",
		},
		[]string{"pool"},
	)
	PoolMaxBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oxide_memory_pool_max_bytes",
			Help: "Configured non-revocable limit per pool",
		},
		[]string{"pool"},
	)
	SpillAdvised = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oxide_memory_spill_advised",
			Help: "1 while a pool is over its revocable soft limit",
		},
		[]string{"pool"},
	)
)
