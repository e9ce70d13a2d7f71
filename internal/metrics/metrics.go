// Package metrics exposes ledger and worker counters in Prometheus format.
//
// Each Collector owns its registry, so several collectors (one per test, or
// a server plus a worker in one process) never collide on registration.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gofielding"

// Outcomes for enqueue and submission counters.
const (
	OutcomeCreated          = "created"
	OutcomeAlreadyQueued    = "already_queued"
	OutcomeSubmitted        = "submitted"
	OutcomeAlreadySatisfied = "already_satisfied"
	OutcomeSkipped          = "skipped"
	OutcomeFailed           = "failed"
)

// Collector holds the metric families. A nil *Collector discards every
// observation, so callers may leave metrics unconfigured.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsReset     prometheus.Counter
	jobLatency    *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
	cablesCreated prometheus.Counter
	cablesDrained prometheus.Counter
	submissions   *prometheus.CounterVec
	pollDuration  prometheus.Histogram
	currentRound  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Enqueue attempts by worker kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed by worker kind and whether they produced output.",
		}, []string{"kind", "produced_output"}),
		jobsReset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reset_total",
			Help:      "Jobs returned to the queue after their worker disappeared.",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job start to completion.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"kind"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing in this process.",
		}),
		cablesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cables_created_total",
			Help:      "Submission cables queued.",
		}),
		cablesDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cables_drained_total",
			Help:      "Submission cables handed to the transport and marked processed.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submission attempts by outcome.",
		}, []string{"outcome"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one poll-for-work pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_round",
			Help:      "Number of the round current at the last poll.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsEnqueued, c.jobsCompleted, c.jobsReset, c.jobLatency, c.jobsInFlight,
		c.cablesCreated, c.cablesDrained, c.submissions, c.pollDuration, c.currentRound,
		c.httpRequests, c.httpLatency,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// CheckHealth fails when the registry cannot be gathered.
func (c *Collector) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.registry.Gather(); err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	return nil
}

func (c *Collector) RecordEnqueue(kind string, created bool) {
	if c == nil {
		return
	}
	outcome := OutcomeAlreadyQueued
	if created {
		outcome = OutcomeCreated
	}
	c.jobsEnqueued.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) RecordJobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// RecordJobCompleted observes a finished job. A nil producedOutput is
// reported as "unknown".
func (c *Collector) RecordJobCompleted(kind string, producedOutput *bool, d time.Duration) {
	if c == nil {
		return
	}
	label := "unknown"
	if producedOutput != nil {
		label = strconv.FormatBool(*producedOutput)
	}
	c.jobsInFlight.Dec()
	c.jobsCompleted.WithLabelValues(kind, label).Inc()
	c.jobLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) RecordJobReset() {
	if c == nil {
		return
	}
	c.jobsReset.Inc()
}

func (c *Collector) RecordCableCreated() {
	if c == nil {
		return
	}
	c.cablesCreated.Inc()
}

func (c *Collector) RecordCableDrained() {
	if c == nil {
		return
	}
	c.cablesDrained.Inc()
}

func (c *Collector) RecordSubmission(outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObservePoll(d time.Duration) {
	if c == nil {
		return
	}
	c.pollDuration.Observe(d.Seconds())
}

func (c *Collector) SetCurrentRound(num int64) {
	if c == nil {
		return
	}
	c.currentRound.Set(float64(num))
}

func (c *Collector) RecordHTTPRequest(route, method string, code int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

// Serve exposes /metrics on its own listener until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
