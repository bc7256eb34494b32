package baseline

import (
	"fmt"
	"math"
	"time"

	"github.com/orcaops/orcaops/pkg/schema"
)

// Detector evaluates terminating runs against their baseline. All checks
// are pure functions of the record and the baseline snapshot handed in.
type Detector struct {
	minSamples int
}

// NewDetector returns a detector with the default sample gate.
func NewDetector() *Detector {
	return &Detector{minSamples: minSamples}
}

// Detect returns the anomalies a run exhibits relative to the baseline as
// it stood before the run was folded in. Nothing fires until the baseline
// has seen minSamples runs.
func (d *Detector) Detect(record *schema.RunRecord, b *Baseline) []schema.Anomaly {
	if record == nil || b == nil || b.Samples < d.minSamples {
		return nil
	}

	var anomalies []schema.Anomaly
	if a := d.checkDuration(record, b); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkMemory(record, b); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkFlaky(record, b); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkDegradation(record, b); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies
}

// checkDuration flags successful runs whose wall time deviates from the
// baseline: |z| > 2 is WARNING, |z| > 3 is CRITICAL. Before the spread
// estimate converges it falls back to multiples of the EMA, > 2x and > 3x.
func (d *Detector) checkDuration(record *schema.RunRecord, b *Baseline) *schema.Anomaly {
	if record.Status != schema.StatusSuccess {
		return nil
	}
	if record.StartedAt == nil || record.FinishedAt == nil {
		return nil
	}
	duration := record.Duration().Seconds()

	if b.DurationStddev > 0 {
		z := (duration - b.DurationMean) / b.DurationStddev
		if math.Abs(z) <= 2 {
			return nil
		}
		severity := schema.SeverityWarning
		if math.Abs(z) > 3 {
			severity = schema.SeverityCritical
		}
		a := newAnomaly(record, b, schema.AnomalyDuration, severity)
		a.Title = "Duration anomaly detected"
		a.Description = fmt.Sprintf("Duration %.1fs deviates from baseline (mean=%.1fs, z-score=%.1f)",
			duration, b.DurationMean, z)
		a.Expected = fmt.Sprintf("%.1fs", b.DurationMean)
		a.Actual = fmt.Sprintf("%.1fs", duration)
		a.ZScore = round2(z)
		if b.DurationMean != 0 {
			a.DeviationPercent = round1((duration - b.DurationMean) / b.DurationMean * 100)
		}
		return &a
	}

	if b.DurationEMA <= 0 || duration <= b.DurationEMA*2 {
		return nil
	}
	severity := schema.SeverityWarning
	if duration > b.DurationEMA*3 {
		severity = schema.SeverityCritical
	}
	a := newAnomaly(record, b, schema.AnomalyDuration, severity)
	a.Title = "Duration anomaly detected"
	a.Description = fmt.Sprintf("Duration %.1fs is %.1fx the baseline (%.1fs)",
		duration, duration/b.DurationEMA, b.DurationEMA)
	a.Expected = fmt.Sprintf("%.1fs", b.DurationEMA)
	a.Actual = fmt.Sprintf("%.1fs", duration)
	a.DeviationPercent = round1((duration - b.DurationEMA) / b.DurationEMA * 100)
	return &a
}

// checkMemory flags runs whose peak memory exceeds the baseline maximum:
// ratio > 1.5 is WARNING, > 2.0 is CRITICAL.
func (d *Detector) checkMemory(record *schema.RunRecord, b *Baseline) *schema.Anomaly {
	if record.ResourceUsage == nil || record.ResourceUsage.MemoryPeakMB <= 0 {
		return nil
	}
	if b.MemoryMaxMB <= 0 {
		return nil
	}
	peak := record.ResourceUsage.MemoryPeakMB
	ratio := peak / b.MemoryMaxMB
	if ratio <= 1.5 {
		return nil
	}
	severity := schema.SeverityWarning
	if ratio > 2.0 {
		severity = schema.SeverityCritical
	}
	a := newAnomaly(record, b, schema.AnomalyMemory, severity)
	a.Title = "Memory usage anomaly"
	a.Description = fmt.Sprintf("Memory peak %.0fMB is %.1fx the baseline max (%.0fMB)",
		peak, ratio, b.MemoryMaxMB)
	a.Expected = fmt.Sprintf("%.0fMB", b.MemoryMaxMB)
	a.Actual = fmt.Sprintf("%.0fMB", peak)
	a.DeviationPercent = round1((ratio - 1) * 100)
	return &a
}

// checkFlaky flags fingerprints with an intermittent failure pattern:
// success rate in [0.3, 0.9) over at least 10 runs.
func (d *Detector) checkFlaky(record *schema.RunRecord, b *Baseline) *schema.Anomaly {
	total := b.SuccessCount + b.FailureCount
	if total < 10 {
		return nil
	}
	rate := b.SuccessRate()
	if rate >= 0.9 || rate < 0.3 {
		return nil
	}
	a := newAnomaly(record, b, schema.AnomalyFlaky, schema.SeverityWarning)
	a.Title = "Flaky job pattern detected"
	a.Description = fmt.Sprintf("Job has a %.0f%% success rate over %d runs, indicating intermittent failures",
		rate*100, total)
	a.Expected = ">=90% success rate"
	a.Actual = fmt.Sprintf("%.0f%%", rate*100)
	return &a
}

// checkDegradation flags fingerprints whose success rate has dropped below
// 0.8 over at least 5 runs.
func (d *Detector) checkDegradation(record *schema.RunRecord, b *Baseline) *schema.Anomaly {
	total := b.SuccessCount + b.FailureCount
	if total < 5 {
		return nil
	}
	rate := b.SuccessRate()
	if rate >= 0.8 {
		return nil
	}
	a := newAnomaly(record, b, schema.AnomalyDegradation, schema.SeverityCritical)
	a.Title = "Success rate degradation"
	a.Description = fmt.Sprintf("Success rate has dropped to %.0f%% over %d runs", rate*100, total)
	a.Expected = ">=80% success rate"
	a.Actual = fmt.Sprintf("%.0f%%", rate*100)
	return &a
}

func newAnomaly(record *schema.RunRecord, b *Baseline, typ schema.AnomalyType, severity schema.AnomalySeverity) schema.Anomaly {
	return schema.Anomaly{
		AnomalyID:   schema.NewAnomalyID(),
		JobID:       record.JobID,
		Fingerprint: b.Fingerprint,
		Type:        typ,
		Severity:    severity,
		DetectedAt:  time.Now().UTC(),
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
