// Package manager admits, tracks, cancels and reconciles jobs. The
// JobManager is the only writer of quota reservations and audit events
// for the job lifecycle; execution itself is delegated to the runner.
package manager

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/metrics"
	"github.com/orcaops/orcaops/pkg/policy"
	"github.com/orcaops/orcaops/pkg/quota"
	"github.com/orcaops/orcaops/pkg/runner"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
	"github.com/orcaops/orcaops/pkg/workspace"
)

const defaultMaxFinishedEntries = 100

// Actor identifies who asked for an operation, for audit attribution.
type Actor struct {
	Type string // "user", "api_key", "system"
	ID   string
}

var systemActor = Actor{Type: "system", ID: "job-manager"}

// Config wires a JobManager. Runner and Runs are required; the other
// collaborators degrade to no-ops when absent.
type Config struct {
	Runner     *runner.Runner
	Runs       *store.RunStore
	Policy     *policy.Engine
	Quota      *quota.Tracker
	Workspaces *workspace.Registry
	Audit      *audit.Logger
	Metrics    *metrics.Collectors
	Logger     zerolog.Logger

	// MaxFinishedEntries caps how many terminal jobs stay in the
	// in-memory registry before the oldest are dropped. The run store
	// keeps the evicted records. Zero means 100.
	MaxFinishedEntries int
}

// JobManager owns the in-memory job registry and the submit, get,
// cancel, list, reconcile and shutdown operations around it.
type JobManager struct {
	runner      *runner.Runner
	runs        *store.RunStore
	policy      *policy.Engine
	quota       *quota.Tracker
	workspaces  *workspace.Registry
	audit       *audit.Logger
	metrics     *metrics.Collectors
	logger      zerolog.Logger
	maxFinished int

	mu      sync.RWMutex
	entries map[string]*jobEntry
	closed  bool
	wg      sync.WaitGroup
}

// jobEntry is one registered job. The cancel func aborts the executor;
// done closes once the executor has fully unwound, quota included.
type jobEntry struct {
	spec   schema.JobSpec
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	record   *schema.RunRecord
	finished time.Time
}

func (e *jobEntry) snapshot() (*schema.RunRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := *e.record
	return &out, !e.finished.IsZero()
}

func (e *jobEntry) finish(rec *schema.RunRecord) {
	e.mu.Lock()
	e.record = rec
	e.finished = time.Now()
	e.mu.Unlock()
}

func (e *jobEntry) finishedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished, !e.finished.IsZero()
}

// NewJobManager validates the wiring and returns a ready manager.
func NewJobManager(cfg Config) (*JobManager, error) {
	if cfg.Runner == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "manager", "runner is required", nil)
	}
	if cfg.Runs == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "manager", "run store is required", nil)
	}
	maxFinished := cfg.MaxFinishedEntries
	if maxFinished <= 0 {
		maxFinished = defaultMaxFinishedEntries
	}
	return &JobManager{
		runner:      cfg.Runner,
		runs:        cfg.Runs,
		policy:      cfg.Policy,
		quota:       cfg.Quota,
		workspaces:  cfg.Workspaces,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "job_manager").Logger(),
		maxFinished: maxFinished,
		entries:     map[string]*jobEntry{},
	}, nil
}

// Submit admits a job and starts it asynchronously. The returned record
// is the queued snapshot; poll Get or block on Wait for progress. The
// job runs detached from ctx so a closed client connection does not
// abort it.
func (m *JobManager) Submit(ctx context.Context, spec schema.JobSpec, actor Actor) (*schema.RunRecord, error) {
	if spec.TriggeredBy == "" && actor.ID != "" {
		spec.TriggeredBy = actor.ID
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeCancelled, "manager", "submit cancelled", err)
	}

	ws, err := m.workspaceFor(spec.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ws != nil && ws.Status == schema.WorkspaceSuspended {
		m.auditDenied(spec, actor, "workspace_suspended", nil)
		return nil, errors.Newf(errors.CodePolicyDenied, "manager", "workspace %s is suspended", ws.ID)
	}

	if m.policy != nil {
		if res := m.policy.ValidateJob(&spec, ws); !res.Allowed {
			m.auditDenied(spec, actor, "policy", res.Violations)
			return nil, errors.Newf(errors.CodePolicyDenied, "manager",
				"job denied by policy: %s", strings.Join(res.Violations, "; "))
		}
	}

	// Duplicate ids are rejected before the quota reservation so a
	// redundant submission does not consume a daily slot. The check
	// repeats under the registry lock to close the concurrent window.
	if m.exists(spec.JobID) {
		return nil, errors.Newf(errors.CodeResourceAlreadyExists, "manager", "job %s already exists", spec.JobID)
	}

	reserved := false
	if m.quota != nil && ws != nil {
		if err := m.quota.CheckAndReserve(ws, quota.KindJob); err != nil {
			m.auditDenied(spec, actor, "quota", []string{err.Error()})
			return nil, err
		}
		reserved = true
	}
	release := func() {
		if reserved {
			m.quota.Release(spec.WorkspaceID, quota.KindJob)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		release()
		return nil, errors.New(errors.CodeInvalidState, "manager", "manager is shut down", nil)
	}
	if _, exists := m.entries[spec.JobID]; exists {
		m.mu.Unlock()
		release()
		return nil, errors.Newf(errors.CodeResourceAlreadyExists, "manager", "job %s already exists", spec.JobID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &jobEntry{
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
		record: schema.NewRunRecord(spec),
	}
	m.entries[spec.JobID] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	m.auditJob(audit.ActionJobCreated, spec, actor, audit.OutcomeSuccess, map[string]interface{}{
		"image": spec.Image,
	})
	m.metrics.JobSubmitted()
	m.logger.Info().
		Str("job_id", spec.JobID).
		Str("image", spec.Image).
		Str("workspace_id", spec.WorkspaceID).
		Msg("Job admitted")

	go m.execute(runCtx, entry, ws, reserved)

	rec, _ := entry.snapshot()
	return rec, nil
}

func (m *JobManager) execute(ctx context.Context, entry *jobEntry, ws *schema.Workspace, reserved bool) {
	defer m.wg.Done()
	defer entry.cancel()

	m.metrics.JobStarted()

	rec, err := m.runner.Run(ctx, entry.spec, runner.RunOptions{Workspace: ws})
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", entry.spec.JobID).Msg("Executor error")
	}
	if rec == nil {
		rec = schema.NewRunRecord(entry.spec)
		rec.Status = schema.StatusFailed
		rec.Error = err.Error()
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}
	entry.finish(rec)

	if reserved {
		m.quota.Release(entry.spec.WorkspaceID, quota.KindJob)
	}
	m.metrics.JobFinished(rec.Status, rec.Duration())
	m.auditJob(audit.ActionJobCompleted, entry.spec, systemActor, outcomeFor(rec.Status), map[string]interface{}{
		"status":           string(rec.Status),
		"duration_seconds": rec.Duration().Seconds(),
	})

	m.evict()
	close(entry.done)
}

// Get returns the freshest view of a job. Terminal jobs are answered
// from memory; in-flight jobs read the runner's persisted checkpoints,
// falling back to the queued snapshot before the first write lands.
func (m *JobManager) Get(jobID string) (*schema.RunRecord, error) {
	m.mu.RLock()
	entry, ok := m.entries[jobID]
	m.mu.RUnlock()
	if ok {
		if rec, finished := entry.snapshot(); finished {
			return rec, nil
		}
		if rec, err := m.runs.Get(jobID); err == nil {
			return rec, nil
		}
		rec, _ := entry.snapshot()
		return rec, nil
	}
	return m.runs.Get(jobID)
}

// Wait blocks until the job reaches a terminal state or ctx expires.
func (m *JobManager) Wait(ctx context.Context, jobID string) (*schema.RunRecord, error) {
	m.mu.RLock()
	entry, ok := m.entries[jobID]
	m.mu.RUnlock()
	if !ok {
		rec, err := m.runs.Get(jobID)
		if err != nil {
			return nil, err
		}
		if !rec.Status.IsTerminal() {
			return nil, errors.Newf(errors.CodeInvalidState, "manager", "job %s is not tracked", jobID)
		}
		return rec, nil
	}
	select {
	case <-entry.done:
		rec, _ := entry.snapshot()
		return rec, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeCancelled, "manager", "wait cancelled", ctx.Err())
	}
}

// Cancel requests a best-effort stop of a running job. Terminal and
// unknown jobs are rejected.
func (m *JobManager) Cancel(jobID string, actor Actor) error {
	m.mu.RLock()
	entry, ok := m.entries[jobID]
	m.mu.RUnlock()
	if !ok {
		if rec, err := m.runs.Get(jobID); err == nil {
			return errors.Newf(errors.CodeInvalidState, "manager", "job %s is already %s", jobID, rec.Status)
		}
		return errors.Newf(errors.CodeResourceNotFound, "manager", "job %s not found", jobID)
	}
	if _, finished := entry.snapshot(); finished {
		rec, _ := entry.snapshot()
		return errors.Newf(errors.CodeInvalidState, "manager", "job %s is already %s", jobID, rec.Status)
	}

	entry.cancel()
	m.auditJob(audit.ActionJobCancelled, entry.spec, actor, audit.OutcomeSuccess, nil)
	m.logger.Info().Str("job_id", jobID).Msg("Cancellation requested")
	return nil
}

// List merges the persisted records with registry entries that have not
// reached the store yet, newest first.
func (m *JobManager) List(f store.Filter) ([]*schema.RunRecord, error) {
	recs, err := m.runs.List(f)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		seen[rec.JobID] = true
	}

	m.mu.RLock()
	var extras []*schema.RunRecord
	for id, entry := range m.entries {
		if seen[id] {
			continue
		}
		rec, _ := entry.snapshot()
		if f.Matches(rec) {
			extras = append(extras, rec)
		}
	}
	m.mu.RUnlock()

	if len(extras) > 0 {
		recs = append(recs, extras...)
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		})
		if f.Limit > 0 && len(recs) > f.Limit {
			recs = recs[:f.Limit]
		}
	}
	return recs, nil
}

// Reconcile sweeps the store for runs stranded in a non-terminal state
// by a previous process and marks them failed. Call it once at startup
// before accepting submissions.
func (m *JobManager) Reconcile() (int, error) {
	recs, err := m.runs.List(store.Filter{})
	if err != nil {
		return 0, err
	}

	orphaned := 0
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		m.mu.RLock()
		_, live := m.entries[rec.JobID]
		m.mu.RUnlock()
		if live {
			continue
		}

		rec.Status = schema.StatusFailed
		rec.Error = "orphaned"
		if rec.FinishedAt == nil {
			now := time.Now().UTC()
			rec.FinishedAt = &now
		}
		if err := m.runs.Put(rec); err != nil {
			m.logger.Warn().Err(err).Str("job_id", rec.JobID).Msg("Orphan mark failed")
			continue
		}
		m.auditJob(audit.ActionJobCompleted, rec.Spec, systemActor, audit.OutcomeError, map[string]interface{}{
			"status": string(schema.StatusFailed),
			"reason": "orphaned",
		})
		orphaned++
	}
	if orphaned > 0 {
		m.logger.Info().Int("orphaned", orphaned).Msg("Reconciled stranded runs")
	}
	return orphaned, nil
}

// Shutdown stops accepting submissions, cancels in-flight jobs and
// waits for their executors, bounded by ctx.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, entry := range m.entries {
		entry.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("Job manager drained")
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeTimeoutError, "manager", "shutdown wait expired", ctx.Err())
	}
}

// evict trims the registry to maxFinished terminal entries, dropping
// the oldest-finished first.
func (m *JobManager) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()

	type doneEntry struct {
		id string
		at time.Time
	}
	var finished []doneEntry
	for id, entry := range m.entries {
		if at, ok := entry.finishedAt(); ok {
			finished = append(finished, doneEntry{id: id, at: at})
		}
	}
	if len(finished) <= m.maxFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].at.Before(finished[j].at)
	})
	for _, d := range finished[:len(finished)-m.maxFinished] {
		delete(m.entries, d.id)
	}
}

func (m *JobManager) exists(jobID string) bool {
	m.mu.RLock()
	_, ok := m.entries[jobID]
	m.mu.RUnlock()
	if ok {
		return true
	}
	_, err := m.runs.Get(jobID)
	return err == nil
}

func (m *JobManager) workspaceFor(id string) (*schema.Workspace, error) {
	if m.workspaces == nil {
		return nil, nil
	}
	return m.workspaces.Get(id)
}

func (m *JobManager) auditDenied(spec schema.JobSpec, actor Actor, reason string, violations []string) {
	details := map[string]interface{}{"reason": reason}
	if len(violations) > 0 {
		details["violations"] = violations
	}
	m.auditJob(audit.ActionJobDenied, spec, actor, audit.OutcomeDenied, details)
}

func (m *JobManager) auditJob(action string, spec schema.JobSpec, actor Actor, outcome audit.Outcome, details map[string]interface{}) {
	if m.audit == nil {
		return
	}
	err := m.audit.Log(audit.Event{
		WorkspaceID:  spec.WorkspaceID,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		Action:       action,
		ResourceType: "job",
		ResourceID:   spec.JobID,
		Details:      details,
		Outcome:      outcome,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("action", action).Msg("Audit append failed")
	}
}

func outcomeFor(status schema.JobStatus) audit.Outcome {
	switch status {
	case schema.StatusFailed, schema.StatusTimedOut:
		return audit.OutcomeError
	default:
		return audit.OutcomeSuccess
	}
}
