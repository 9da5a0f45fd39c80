package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frestq_tasks_created_total",
			Help: "Total number of task records created, by task type",
		},
		[]string{"task_type"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frestq_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	// Message metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frestq_messages_sent_total",
			Help: "Total number of outbound messages by HTTP status",
		},
		[]string{"status"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frestq_messages_received_total",
			Help: "Total number of inbound messages by queue",
		},
		[]string{"queue"},
	)

	// Scheduler metrics
	PoolJobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frestq_pool_jobs_submitted_total",
			Help: "Total number of jobs submitted to each queue pool",
		},
		[]string{"queue"},
	)

	PoolJobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frestq_pool_jobs_failed_total",
			Help: "Total number of jobs that returned an error or panicked",
		},
		[]string{"queue"},
	)

	// Reservation metrics
	ReservationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "frestq_reservation_timeouts_total",
			Help: "Total number of synchronized reservations cancelled on timeout",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(PoolJobsSubmitted)
	prometheus.MustRegister(PoolJobsFailed)
	prometheus.MustRegister(ReservationTimeouts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
