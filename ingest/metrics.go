package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerhub_ingest_runs_started_total",
		Help: "Runs transitioned to running, by source and job.",
	}, []string{"source", "job"})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerhub_ingest_runs_finished_total",
		Help: "Runs reaching a terminal status, by source, job and status.",
	}, []string{"source", "job", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sellerhub_ingest_run_duration_seconds",
		Help:    "Wall time of finished runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"source", "job"})

	pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerhub_ingest_pages_total",
		Help: "Source pages fetched by runners.",
	}, []string{"source", "job"})

	rateLimitRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sellerhub_ingest_rate_limit_retries_total",
		Help: "Backoff sleeps taken after HTTP 429 responses.",
	}, []string{"source", "job"})

	sweeperTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sellerhub_ingest_sweeper_timeouts_total",
		Help: "Stale runs the sweeper transitioned to timeout.",
	})

	schedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sellerhub_ingest_scheduler_ticks_total",
		Help: "Scheduler tick iterations.",
	})
)
