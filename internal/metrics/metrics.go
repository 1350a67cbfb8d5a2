package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchline_scheduler_tasks_consumed_total",
		Help: "Tasks moved to ProcessStarted by a consumer.",
	})
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchline_scheduler_tasks_processed_total",
		Help: "Task executions by runner and outcome.",
	}, []string{"runner", "outcome"})
	TasksPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchline_scheduler_tasks_published_total",
		Help: "Due tasks published onto the task stream by the producer.",
	})
	TaskPickupDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchline_scheduler_task_pickup_delay_seconds",
		Help:    "Delay between a task's schedule time and its start.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})
	ConsumerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchline_scheduler_consumer_cycles_total",
		Help: "Consumer polling cycles by result.",
	}, []string{"result"})
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchline_cache_operations_total",
		Help: "Cache operations issued by the storage router.",
	}, []string{"op", "result"})
	DurableFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchline_router_durable_fallbacks_total",
		Help: "Cache-first reads served by the durable store.",
	}, []string{"reason"})
	DrainIntents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchline_drain_intents_total",
		Help: "Drain intents appended by operation.",
	}, []string{"operation"})
)
