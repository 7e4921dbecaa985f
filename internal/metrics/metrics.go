package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Producer metrics

	JobFetchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "obango",
		Name:      "job_fetch_latency_seconds",
		Help:      "Time from job becoming available to a producer fetching it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"queue"})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "obango",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of a worker's process call.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"worker", "outcome"})

	JobsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "obango",
		Name:      "producer_jobs_in_flight",
		Help:      "Number of jobs currently executing per producer queue.",
	}, []string{"queue"})

	JobsAckedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "obango",
		Name:      "jobs_acked_total",
		Help:      "Total jobs acknowledged, by resulting transition.",
	}, []string{"queue", "transition"})

	// Lifeline metrics

	LifelineRescuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "obango",
		Name:      "lifeline_rescued_total",
		Help:      "Total orphaned executing jobs rescued back to available.",
	})

	// Pruner metrics

	PrunerDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "obango",
		Name:      "pruner_deleted_total",
		Help:      "Total terminal-state jobs deleted by the pruner.",
	})

	// Scheduler metrics

	SchedulerStagedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "obango",
		Name:      "scheduler_staged_total",
		Help:      "Total queues that had scheduled/retryable jobs promoted to available, counted once per queue per staging pass (not per job).",
	})

	SchedulerCronMaterializedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "obango",
		Name:      "scheduler_cron_materialized_total",
		Help:      "Total cron jobs inserted, by worker.",
	}, []string{"worker"})

	// Leader metrics

	LeaderElected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "obango",
		Name:      "leader_elected",
		Help:      "1 if this node currently holds the leader lease, else 0.",
	})

	// Process lifecycle

	ProcessStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "obango",
		Name:      "process_start_time_seconds",
		Help:      "Unix timestamp when this process started.",
	})

	ProcessShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "obango",
		Name:      "process_shutdowns_total",
		Help:      "Number of times this process has shut down cleanly.",
	})

	// Admin HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "obango",
		Name:      "http_request_duration_seconds",
		Help:      "Admin HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "obango",
		Name:      "http_requests_total",
		Help:      "Total admin HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobFetchLatency,
		JobExecutionDuration,
		JobsInFlight,
		JobsAckedTotal,
		LifelineRescuedTotal,
		PrunerDeletedTotal,
		SchedulerStagedTotal,
		SchedulerCronMaterializedTotal,
		LeaderElected,
		ProcessStartTime,
		ProcessShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
