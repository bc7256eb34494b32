package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaops/orcaops/pkg/schema"
)

func durationSamples(t *testing.T, reg *prometheus.Registry) (uint64, float64) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "orcaops_job_duration_seconds" {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		hist := mf.GetMetric()[0].GetHistogram()
		return hist.GetSampleCount(), hist.GetSampleSum()
	}
	t.Fatal("orcaops_job_duration_seconds not gathered")
	return 0, 0
}

func TestCollectorsJobLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	c.JobSubmitted()
	c.JobSubmitted()
	c.JobStarted()
	c.JobStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsRunning))

	c.JobFinished(schema.StatusSuccess, 12*time.Second)
	c.JobFinished(schema.StatusFailed, 3*time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.jobsRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsCompleted.WithLabelValues("SUCCESS")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsCompleted.WithLabelValues("FAILED")))

	count, sum := durationSamples(t, reg)
	assert.Equal(t, uint64(2), count)
	assert.InDelta(t, 15.0, sum, 0.001)
}

func TestCollectorsWorkflowLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	c.WorkflowStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.workflowsRunning))

	c.WorkflowFinished(schema.WorkflowPartial)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.workflowsRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.workflowsCompleted.WithLabelValues("PARTIAL")))
}

func TestCollectorsZeroDurationNotObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	c.JobStarted()
	c.JobFinished(schema.StatusCancelled, 0)

	count, _ := durationSamples(t, reg)
	assert.Equal(t, uint64(0), count)
}

func TestNilCollectorsSafe(t *testing.T) {
	var c *Collectors
	require.NotPanics(t, func() {
		c.JobSubmitted()
		c.JobStarted()
		c.JobFinished(schema.StatusSuccess, time.Second)
		c.WorkflowStarted()
		c.WorkflowFinished(schema.WorkflowSuccess)
	})
}
