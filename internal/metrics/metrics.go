// Package metrics holds the Prometheus instruments of the supervisor.
//
// Exposed series:
//   - supervisor_worker_up                     - 1 while the worker process is running
//   - supervisor_worker_restarts_total{reason} - spawns by trigger (initial|crash|requested|cooldown|electroshock)
//   - supervisor_worker_crashes_total          - unexpected exits and spawn errors
//   - supervisor_cooldowns_total               - rapid-crash circuit breaker trips
//   - scheduler_ticks_total / scheduler_ticks_skipped_total
//   - scheduler_task_runs_total{task,result}   - result: ok|fail|timeout
//   - scheduler_task_duration_seconds{task}
//   - scheduler_briefings_total{key,result}
//   - bracket_tier_advances_total{tier}
//   - alerts_sent_total{result}                - result: ok|plain_retry|failed|skipped
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_worker_up",
			Help: "1 while the supervised worker process is running",
		},
	)

	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_worker_restarts_total",
			Help: "Worker spawns split by trigger",
		},
		[]string{"reason"},
	)

	WorkerCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_worker_crashes_total",
			Help: "Unexpected worker exits and spawn errors",
		},
	)

	Cooldowns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_cooldowns_total",
			Help: "Rapid-crash circuit breaker trips",
		},
	)

	Ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Scheduler ticks executed",
		},
	)

	TicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_skipped_total",
			Help: "Ticks dropped because the previous tick was still running",
		},
	)

	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_task_runs_total",
			Help: "Interval task invocations split by result",
		},
		[]string{"task", "result"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_task_duration_seconds",
			Help:    "Interval task wall time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"task"},
	)

	Briefings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_briefings_total",
			Help: "Daily briefings fired split by result",
		},
		[]string{"key", "result"},
	)

	TierAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_tier_advances_total",
			Help: "Bracket ladder transitions by destination tier",
		},
		[]string{"tier"},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_sent_total",
			Help: "Operator alerts split by delivery result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkerUp, WorkerRestarts, WorkerCrashes, Cooldowns,
		Ticks, TicksSkipped, TaskRuns, TaskDuration, Briefings,
		TierAdvances, Alerts,
	)
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr disables it.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("📈 Metrics listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("ERROR: metrics server stopped: %v", err)
	}
}
