package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

// aggregationScanLimit bounds how many stored runs one report considers.
const aggregationScanLimit = 10000

// topFailingCount bounds the failing-fingerprint leaderboard.
const topFailingCount = 5

// GroupMetrics is one breakdown bucket (per image or per workspace).
type GroupMetrics struct {
	Count              int     `json:"count"`
	Success            int     `json:"success"`
	Failed             int     `json:"failed"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`

	durations []float64
}

// FailingFingerprint is one leaderboard entry of repeat offenders.
type FailingFingerprint struct {
	Fingerprint string `json:"fingerprint"`
	Image       string `json:"image"`
	Failures    int    `json:"failures"`
	Total       int    `json:"total"`
}

// Report is the aggregate view of stored runs over a period.
type Report struct {
	TotalRuns            int                      `json:"total_runs"`
	SuccessCount         int                      `json:"success_count"`
	FailedCount          int                      `json:"failed_count"`
	TimedOutCount        int                      `json:"timed_out_count"`
	CancelledCount       int                      `json:"cancelled_count"`
	SuccessRate          float64                  `json:"success_rate"`
	AvgDurationSeconds   float64                  `json:"avg_duration_seconds"`
	P95DurationSeconds   float64                  `json:"p95_duration_seconds"`
	TotalDurationSeconds float64                  `json:"total_duration_seconds"`
	ByImage              map[string]*GroupMetrics `json:"by_image"`
	ByWorkspace          map[string]*GroupMetrics `json:"by_workspace"`
	TopFailing           []FailingFingerprint     `json:"top_failing,omitempty"`
	PeriodStart          *time.Time               `json:"period_start,omitempty"`
	PeriodEnd            *time.Time               `json:"period_end,omitempty"`
}

// Aggregator computes reports from the run store on demand.
type Aggregator struct {
	runs   *store.RunStore
	logger zerolog.Logger
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(runs *store.RunStore, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		runs:   runs,
		logger: logger.With().Str("component", "metrics_aggregator").Logger(),
	}
}

// Compute aggregates all stored runs created within [from, to]. Zero
// bounds are open.
func (a *Aggregator) Compute(from, to time.Time) (*Report, error) {
	records, err := a.runs.List(store.Filter{
		Since: from,
		Until: to,
		Limit: aggregationScanLimit,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{
		ByImage:     map[string]*GroupMetrics{},
		ByWorkspace: map[string]*GroupMetrics{},
	}
	if !from.IsZero() {
		report.PeriodStart = &from
	}
	if !to.IsZero() {
		report.PeriodEnd = &to
	}
	if len(records) == 0 {
		return report, nil
	}

	type fpStats struct {
		image    string
		failures int
		total    int
	}
	byFingerprint := map[string]*fpStats{}

	var durations []float64
	var earliest, latest time.Time

	for _, rec := range records {
		report.TotalRuns++
		switch rec.Status {
		case schema.StatusSuccess:
			report.SuccessCount++
		case schema.StatusFailed:
			report.FailedCount++
		case schema.StatusTimedOut:
			report.TimedOutCount++
		case schema.StatusCancelled:
			report.CancelledCount++
		}

		dur := 0.0
		if rec.StartedAt != nil && rec.FinishedAt != nil {
			dur = rec.Duration().Seconds()
			durations = append(durations, dur)
		}

		image := rec.Spec.Image
		if image == "" {
			image = "unknown"
		}
		bumpGroup(report.ByImage, image, rec.Status, dur)
		bumpGroup(report.ByWorkspace, rec.Spec.WorkspaceID, rec.Status, dur)

		if rec.Fingerprint != "" {
			fs, ok := byFingerprint[rec.Fingerprint]
			if !ok {
				fs = &fpStats{image: image}
				byFingerprint[rec.Fingerprint] = fs
			}
			fs.total++
			if rec.Status == schema.StatusFailed || rec.Status == schema.StatusTimedOut {
				fs.failures++
			}
		}

		if earliest.IsZero() || rec.CreatedAt.Before(earliest) {
			earliest = rec.CreatedAt
		}
		if latest.IsZero() || rec.CreatedAt.After(latest) {
			latest = rec.CreatedAt
		}
	}

	report.SuccessRate = round3(float64(report.SuccessCount) / float64(report.TotalRuns))
	if len(durations) > 0 {
		var total float64
		for _, d := range durations {
			total += d
		}
		report.AvgDurationSeconds = round2(total / float64(len(durations)))
		report.TotalDurationSeconds = round2(total)
		report.P95DurationSeconds = round2(p95(durations))
	}
	for _, g := range report.ByImage {
		g.finalize()
	}
	for _, g := range report.ByWorkspace {
		g.finalize()
	}

	for fp, fs := range byFingerprint {
		if fs.failures == 0 {
			continue
		}
		report.TopFailing = append(report.TopFailing, FailingFingerprint{
			Fingerprint: fp,
			Image:       fs.image,
			Failures:    fs.failures,
			Total:       fs.total,
		})
	}
	sort.Slice(report.TopFailing, func(i, j int) bool {
		if report.TopFailing[i].Failures != report.TopFailing[j].Failures {
			return report.TopFailing[i].Failures > report.TopFailing[j].Failures
		}
		return report.TopFailing[i].Fingerprint < report.TopFailing[j].Fingerprint
	})
	if len(report.TopFailing) > topFailingCount {
		report.TopFailing = report.TopFailing[:topFailingCount]
	}

	if report.PeriodStart == nil {
		report.PeriodStart = &earliest
	}
	if report.PeriodEnd == nil {
		report.PeriodEnd = &latest
	}
	return report, nil
}

func bumpGroup(groups map[string]*GroupMetrics, key string, status schema.JobStatus, dur float64) {
	g, ok := groups[key]
	if !ok {
		g = &GroupMetrics{}
		groups[key] = g
	}
	g.Count++
	switch status {
	case schema.StatusSuccess:
		g.Success++
	case schema.StatusFailed:
		g.Failed++
	}
	if dur > 0 {
		g.durations = append(g.durations, dur)
	}
}

func (g *GroupMetrics) finalize() {
	if len(g.durations) > 0 {
		var total float64
		for _, d := range g.durations {
			total += d
		}
		g.AvgDurationSeconds = round2(total / float64(len(g.durations)))
	}
	g.durations = nil
}

func p95(durations []float64) float64 {
	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
