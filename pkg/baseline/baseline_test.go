package baseline

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaops/orcaops/pkg/schema"
)

func imageRecord(image string, status schema.JobStatus, durationSec float64) *schema.RunRecord {
	rec := terminalRecord(status, durationSec, 0)
	rec.Spec.Image = image
	rec.Fingerprint = schema.Fingerprint(image, rec.Spec.Commands)
	return rec
}

func TestTrackerSeedsFromFirstRun(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	rec := terminalRecord(schema.StatusSuccess, 10, 0)

	anomalies, err := tr.Update(rec)
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	b, ok := tr.Get(rec.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 1, b.Samples)
	assert.Equal(t, 1, b.SuccessCount)
	assert.Zero(t, b.FailureCount)
	assert.InDelta(t, 10.0, b.DurationEMA, 1e-9)
	assert.InDelta(t, 10.0, b.DurationP50, 1e-9)
	assert.Zero(t, b.DurationStddev)
	assert.False(t, b.LastUpdated.IsZero())
}

func TestTrackerEMASmoothing(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())

	_, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
	require.NoError(t, err)
	_, err = tr.Update(terminalRecord(schema.StatusSuccess, 20, 0))
	require.NoError(t, err)

	b, ok := tr.Get(terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint)
	require.True(t, ok)
	// alpha 0.1: 0.1*20 + 0.9*10
	assert.InDelta(t, 11.0, b.DurationEMA, 1e-9)
}

func TestTrackerWelfordStddev(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	for _, d := range []float64{10, 12, 14} {
		_, err := tr.Update(terminalRecord(schema.StatusSuccess, d, 0))
		require.NoError(t, err)
	}

	b, ok := tr.Get(terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint)
	require.True(t, ok)
	assert.InDelta(t, 12.0, b.DurationMean, 1e-9)
	assert.InDelta(t, 2.0, b.DurationStddev, 1e-9)
	assert.Equal(t, 3, b.DurationSamples)
}

func TestTrackerDetectsAgainstPriorBaseline(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	for i := 0; i < 3; i++ {
		anomalies, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
		require.NoError(t, err)
		assert.Empty(t, anomalies)
	}

	anomalies, err := tr.Update(terminalRecord(schema.StatusSuccess, 25, 0))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, schema.AnomalyDuration, anomalies[0].Type)
	assert.Equal(t, schema.SeverityWarning, anomalies[0].Severity)
	// Detection ran against the baseline before the slow run was folded in.
	assert.Equal(t, "10.0s", anomalies[0].Expected)

	b, ok := tr.Get(anomalies[0].Fingerprint)
	require.True(t, ok)
	assert.InDelta(t, 11.5, b.DurationEMA, 1e-9)
	assert.Equal(t, 4, b.SuccessCount)
}

func TestTrackerCriticalPastTripleBaseline(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	for i := 0; i < 3; i++ {
		_, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
		require.NoError(t, err)
	}

	anomalies, err := tr.Update(terminalRecord(schema.StatusSuccess, 35, 0))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, schema.SeverityCritical, anomalies[0].Severity)
}

func TestTrackerFailuresCountWithoutDurations(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	_, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
	require.NoError(t, err)
	_, err = tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
	require.NoError(t, err)
	_, err = tr.Update(terminalRecord(schema.StatusFailed, 50, 0))
	require.NoError(t, err)
	_, err = tr.Update(terminalRecord(schema.StatusTimedOut, 120, 0))
	require.NoError(t, err)

	b, ok := tr.Get(terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 4, b.Samples)
	assert.Equal(t, 2, b.SuccessCount)
	assert.Equal(t, 2, b.FailureCount)
	// Failed runs never pollute the duration series.
	assert.Equal(t, 2, b.DurationSamples)
	assert.InDelta(t, 10.0, b.DurationEMA, 1e-9)
	assert.InDelta(t, 0.5, b.SuccessRate(), 1e-9)
}

func TestTrackerIgnoresCancelledRuns(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())

	anomalies, err := tr.Update(terminalRecord(schema.StatusCancelled, 10, 0))
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	_, ok := tr.Get(terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint)
	assert.False(t, ok)
}

func TestTrackerMemoryBaseline(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	for i := 0; i < 3; i++ {
		_, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 100))
		require.NoError(t, err)
	}

	anomalies, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 300))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, schema.AnomalyMemory, anomalies[0].Type)
	assert.Equal(t, schema.SeverityCritical, anomalies[0].Severity)

	b, ok := tr.Get(anomalies[0].Fingerprint)
	require.True(t, ok)
	assert.InDelta(t, 300.0, b.MemoryMaxMB, 1e-9)
	assert.InDelta(t, 150.0, b.MemoryMeanMB, 1e-9)
	assert.Equal(t, 4, b.MemorySamples)
}

func TestTrackerPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	tr := NewTracker(dir, zerolog.Nop())
	_, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
	require.NoError(t, err)
	_, err = tr.Update(terminalRecord(schema.StatusSuccess, 20, 0))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "baselines.json"))
	require.NoError(t, err)

	reloaded := NewTracker(dir, zerolog.Nop())
	b, ok := reloaded.Get(terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 2, b.Samples)
	assert.InDelta(t, 11.0, b.DurationEMA, 1e-9)
	assert.Equal(t, 2, b.DurationSamples)
}

func TestTrackerCorruptStoreStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "baselines.json"), []byte("{not json"), 0o644))

	tr := NewTracker(dir, zerolog.Nop())
	assert.Empty(t, tr.List())

	_, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
	require.NoError(t, err)
	assert.Len(t, tr.List(), 1)
}

func TestTrackerRingBoundsPercentiles(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	for i := 1; i <= 120; i++ {
		_, err := tr.Update(terminalRecord(schema.StatusSuccess, float64(i), 0))
		require.NoError(t, err)
	}

	b, ok := tr.Get(terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 120, b.DurationSamples)
	assert.Len(t, b.RecentDurations, 100)
	// Window holds 21..120.
	assert.InDelta(t, 70.0, b.DurationP50, 1e-9)
	assert.InDelta(t, 115.0, b.DurationP95, 1e-9)
	assert.InDelta(t, 119.0, b.DurationP99, 1e-9)
}

func TestTrackerConcurrentSameFingerprint(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir, zerolog.Nop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := tr.Update(terminalRecord(schema.StatusSuccess, 1, 0))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	b, ok := tr.Get(terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 200, b.Samples)
	assert.Equal(t, 200, b.DurationSamples)

	reloaded := NewTracker(dir, zerolog.Nop())
	rb, ok := reloaded.Get(b.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 200, rb.Samples)
}

func TestTrackerConcurrentDistinctFingerprints(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	images := []string{"python:3.12", "node:20", "golang:1.23", "alpine:3.20"}

	var wg sync.WaitGroup
	for _, image := range images {
		wg.Add(1)
		go func(image string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := tr.Update(imageRecord(image, schema.StatusSuccess, 2))
				assert.NoError(t, err)
			}
		}(image)
	}
	wg.Wait()

	baselines := tr.List()
	require.Len(t, baselines, 4)
	for _, b := range baselines {
		assert.Equal(t, 10, b.Samples)
	}
}

func TestTrackerGetReturnsCopy(t *testing.T) {
	tr := NewTracker(t.TempDir(), zerolog.Nop())
	_, err := tr.Update(terminalRecord(schema.StatusSuccess, 10, 0))
	require.NoError(t, err)

	fp := terminalRecord(schema.StatusSuccess, 1, 0).Fingerprint
	b, ok := tr.Get(fp)
	require.True(t, ok)
	b.SuccessCount = 999
	b.RecentDurations[0] = -1

	fresh, ok := tr.Get(fp)
	require.True(t, ok)
	assert.Equal(t, 1, fresh.SuccessCount)
	assert.InDelta(t, 10.0, fresh.RecentDurations[0], 1e-9)
}
