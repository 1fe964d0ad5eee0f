package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue gauges and counters, partitioned by queue name.

var (
	AdmittedJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ensequil",
		Subsystem: "queue",
		Name:      "admitted_jobs",
		Help:      "Jobs currently admitted to the batch scheduler",
	}, []string{"queue"})

	PendingJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ensequil",
		Subsystem: "queue",
		Name:      "pending_jobs",
		Help:      "Jobs waiting for a scheduler slot",
	}, []string{"queue"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensequil",
		Subsystem: "queue",
		Name:      "transitions_total",
		Help:      "Job status transitions, by target status",
	}, []string{"queue", "status"})

	SchedulerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ensequil",
		Subsystem: "queue",
		Name:      "scheduler_errors_total",
		Help:      "Failed scheduler calls, by operation",
	}, []string{"queue", "op"})
)
