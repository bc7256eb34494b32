// Package metrics carries the process-level prometheus instruments and the
// historical aggregation over stored runs. Aggregates are computed on the
// fly from the run store; nothing is double-bookkept.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orcaops/orcaops/pkg/schema"
)

// Collectors bundles the prometheus instruments fed by the job and
// workflow managers. A nil *Collectors is a valid no-op receiver so
// callers can run without a registry.
type Collectors struct {
	jobsRunning        prometheus.Gauge
	jobsSubmitted      prometheus.Counter
	jobsCompleted      *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	workflowsRunning   prometheus.Gauge
	workflowsCompleted *prometheus.CounterVec
}

// NewCollectors builds the instruments and registers them when reg is
// non-nil.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orcaops_jobs_running",
			Help: "Jobs currently executing.",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orcaops_jobs_submitted_total",
			Help: "Jobs admitted past policy and quota.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orcaops_jobs_completed_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orcaops_job_duration_seconds",
			Help:    "Wall-clock job duration.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		workflowsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orcaops_workflows_running",
			Help: "Workflows currently executing.",
		}),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orcaops_workflows_completed_total",
			Help: "Workflows reaching a terminal status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.jobsRunning,
			c.jobsSubmitted,
			c.jobsCompleted,
			c.jobDuration,
			c.workflowsRunning,
			c.workflowsCompleted,
		)
	}
	return c
}

// JobSubmitted records an admission.
func (c *Collectors) JobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// JobStarted marks a job as executing.
func (c *Collectors) JobStarted() {
	if c == nil {
		return
	}
	c.jobsRunning.Inc()
}

// JobFinished records a terminal job with its wall-clock duration.
func (c *Collectors) JobFinished(status schema.JobStatus, duration time.Duration) {
	if c == nil {
		return
	}
	c.jobsRunning.Dec()
	c.jobsCompleted.WithLabelValues(string(status)).Inc()
	if duration > 0 {
		c.jobDuration.Observe(duration.Seconds())
	}
}

// WorkflowStarted marks a workflow as executing.
func (c *Collectors) WorkflowStarted() {
	if c == nil {
		return
	}
	c.workflowsRunning.Inc()
}

// WorkflowFinished records a terminal workflow.
func (c *Collectors) WorkflowFinished(status schema.WorkflowStatus) {
	if c == nil {
		return
	}
	c.workflowsRunning.Dec()
	c.workflowsCompleted.WithLabelValues(string(status)).Inc()
}
