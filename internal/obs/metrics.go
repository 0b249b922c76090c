// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/jamesross/flowqueue/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsProduced = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_produced_total",
        Help: "Total number of jobs produced",
    })
    JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_consumed_total",
        Help: "Total number of jobs consumed by workers",
    })
    JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_completed_total",
        Help: "Total number of successfully completed jobs",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_failed_total",
        Help: "Total number of failed jobs",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_retried_total",
        Help: "Total number of job retries",
    })
    JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_dead_letter_total",
        Help: "Total number of jobs that failed terminally and moved to the failed set",
    })
    JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "job_processing_duration_seconds",
        Help:    "Histogram of job processing durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current cardinality of a queue's state collections",
    }, []string{"queue", "state"})
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })
    JobsStalled = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_stalled_total",
        Help: "Total number of stalled jobs recovered by the stalled-check protocol (requeued or failed)",
    })
    LockRenewalFailures = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "lock_renewal_failures_total",
        Help: "Total number of extendLock calls that found the lock already lost",
    })
    StalledChecksRun = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "stalled_checks_run_total",
        Help: "Total number of times moveStalledJobsToWait ran",
    })
    RateLimitDenials = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "rate_limit_denials_total",
        Help: "Total number of times the producer's fixed-window rate limit made it wait before enqueuing",
    })
)

func init() {
    prometheus.MustRegister(
        JobsProduced, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter,
        JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips, WorkerActive,
        JobsStalled, LockRenewalFailures, StalledChecksRun, RateLimitDenials,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
