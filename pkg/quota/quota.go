// Package quota enforces per-workspace concurrency and daily caps. All
// counters live behind one mutex; reservation is check-and-increment in a
// single critical section so concurrent submits can never both squeeze
// past a limit.
package quota

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

// Kind selects which counter a reservation applies to.
type Kind string

const (
	KindJob     Kind = "job"
	KindSandbox Kind = "sandbox"
)

// Usage is a point-in-time snapshot of one workspace's consumption.
type Usage struct {
	WorkspaceID      string `json:"workspace_id"`
	RunningJobs      int    `json:"running_jobs"`
	RunningSandboxes int    `json:"running_sandboxes"`
	JobsToday        int    `json:"jobs_today"`
}

type wsCounts struct {
	runningJobs      int
	runningSandboxes int
	jobsToday        int
	date             string
}

// Tracker is the process-wide quota state.
type Tracker struct {
	mu     sync.Mutex
	byWS   map[string]*wsCounts
	logger zerolog.Logger

	runningJobs      *prometheus.GaugeVec
	runningSandboxes *prometheus.GaugeVec
	denials          *prometheus.CounterVec
}

// NewTracker creates a tracker. reg may be nil to skip metric
// registration (tests).
func NewTracker(reg prometheus.Registerer, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		byWS:   map[string]*wsCounts{},
		logger: logger.With().Str("component", "quota_tracker").Logger(),
		runningJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orcaops_quota_running_jobs",
			Help: "Jobs currently holding a quota reservation, per workspace.",
		}, []string{"workspace_id"}),
		runningSandboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orcaops_quota_running_sandboxes",
			Help: "Sandboxes currently holding a quota reservation, per workspace.",
		}, []string{"workspace_id"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orcaops_quota_denials_total",
			Help: "Reservations denied, per workspace and reason.",
		}, []string{"workspace_id", "reason"}),
	}
	if reg != nil {
		reg.MustRegister(t.runningJobs, t.runningSandboxes, t.denials)
	}
	return t
}

func localDate() string {
	return time.Now().Format("2006-01-02")
}

// counts returns the workspace's counters, resetting the daily counter
// when the local date has rolled. Caller holds the lock.
func (t *Tracker) counts(workspaceID string) *wsCounts {
	c, ok := t.byWS[workspaceID]
	if !ok {
		c = &wsCounts{date: localDate()}
		t.byWS[workspaceID] = c
	}
	if today := localDate(); c.date != today {
		c.date = today
		c.jobsToday = 0
	}
	return c
}

// CheckAndReserve verifies the workspace's limits and takes a reservation
// in one step. A denial returns a quota error and counts toward the
// denial metric.
func (t *Tracker) CheckAndReserve(ws *schema.Workspace, kind Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counts(ws.ID)
	switch kind {
	case KindJob:
		if c.runningJobs >= ws.Limits.MaxConcurrentJobs {
			t.denials.WithLabelValues(ws.ID, "concurrent_jobs").Inc()
			return errors.Newf(errors.CodeQuotaExceeded, "quota",
				"concurrent job limit reached: %d/%d", c.runningJobs, ws.Limits.MaxConcurrentJobs)
		}
		if ws.Limits.DailyJobLimit != nil && c.jobsToday >= *ws.Limits.DailyJobLimit {
			t.denials.WithLabelValues(ws.ID, "daily_jobs").Inc()
			return errors.Newf(errors.CodeQuotaExceeded, "quota",
				"daily job limit reached: %d/%d", c.jobsToday, *ws.Limits.DailyJobLimit)
		}
		c.runningJobs++
		c.jobsToday++
		t.runningJobs.WithLabelValues(ws.ID).Set(float64(c.runningJobs))
	case KindSandbox:
		if c.runningSandboxes >= ws.Limits.MaxConcurrentSandboxes {
			t.denials.WithLabelValues(ws.ID, "concurrent_sandboxes").Inc()
			return errors.Newf(errors.CodeQuotaExceeded, "quota",
				"concurrent sandbox limit reached: %d/%d", c.runningSandboxes, ws.Limits.MaxConcurrentSandboxes)
		}
		c.runningSandboxes++
		t.runningSandboxes.WithLabelValues(ws.ID).Set(float64(c.runningSandboxes))
	default:
		return errors.Newf(errors.CodeInvalidParameter, "quota", "unknown reservation kind %q", kind)
	}
	return nil
}

// Release returns a reservation. Releasing below zero clamps and logs;
// the daily counter is never decremented.
func (t *Tracker) Release(workspaceID string, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counts(workspaceID)
	switch kind {
	case KindJob:
		if c.runningJobs <= 0 {
			t.logger.Warn().Str("workspace_id", workspaceID).Msg("Job quota released below zero")
			c.runningJobs = 0
		} else {
			c.runningJobs--
		}
		t.runningJobs.WithLabelValues(workspaceID).Set(float64(c.runningJobs))
	case KindSandbox:
		if c.runningSandboxes <= 0 {
			t.logger.Warn().Str("workspace_id", workspaceID).Msg("Sandbox quota released below zero")
			c.runningSandboxes = 0
		} else {
			c.runningSandboxes--
		}
		t.runningSandboxes.WithLabelValues(workspaceID).Set(float64(c.runningSandboxes))
	}
}

// Snapshot returns the workspace's current usage.
func (t *Tracker) Snapshot(workspaceID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counts(workspaceID)
	return Usage{
		WorkspaceID:      workspaceID,
		RunningJobs:      c.runningJobs,
		RunningSandboxes: c.runningSandboxes,
		JobsToday:        c.jobsToday,
	}
}
