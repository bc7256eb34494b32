package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/manager"
	"github.com/orcaops/orcaops/pkg/metrics"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

const defaultMaxFinishedWorkflows = 100

var systemActor = manager.Actor{Type: "system", ID: "workflow-manager"}

// ManagerConfig wires a workflow Manager. Runner and Store are
// required; audit and metrics degrade to no-ops when absent.
type ManagerConfig struct {
	Runner  *Runner
	Store   *store.WorkflowStore
	Audit   *audit.Logger
	Metrics *metrics.Collectors
	Logger  zerolog.Logger

	// MaxFinishedEntries caps how many terminal workflows stay in the
	// in-memory registry. The workflow store keeps evicted records.
	// Zero means 100.
	MaxFinishedEntries int
}

// Manager owns the in-memory workflow registry and the submit, get,
// cancel, list, reconcile and shutdown operations around it.
type Manager struct {
	runner      *Runner
	store       *store.WorkflowStore
	audit       *audit.Logger
	metrics     *metrics.Collectors
	logger      zerolog.Logger
	maxFinished int

	mu      sync.RWMutex
	entries map[string]*workflowEntry
	closed  bool
	wg      sync.WaitGroup
}

// workflowEntry is one registered workflow. The record field holds the
// latest published clone, never the copy the executor is mutating.
type workflowEntry struct {
	specName    string
	workspaceID string
	cancel      context.CancelFunc
	done        chan struct{}

	mu       sync.Mutex
	record   *schema.WorkflowRecord
	finished time.Time
}

func (e *workflowEntry) snapshot() (*schema.WorkflowRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone(), !e.finished.IsZero()
}

func (e *workflowEntry) setRecord(rec *schema.WorkflowRecord) {
	e.mu.Lock()
	e.record = rec
	e.mu.Unlock()
}

func (e *workflowEntry) finish(rec *schema.WorkflowRecord) {
	e.mu.Lock()
	e.record = rec
	e.finished = time.Now()
	e.mu.Unlock()
}

func (e *workflowEntry) finishedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished, !e.finished.IsZero()
}

// NewManager validates the wiring and returns a ready manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Runner == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "workflow", "runner is required", nil)
	}
	if cfg.Store == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "workflow", "workflow store is required", nil)
	}
	maxFinished := cfg.MaxFinishedEntries
	if maxFinished <= 0 {
		maxFinished = defaultMaxFinishedWorkflows
	}
	return &Manager{
		runner:      cfg.Runner,
		store:       cfg.Store,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "workflow_manager").Logger(),
		maxFinished: maxFinished,
		entries:     map[string]*workflowEntry{},
	}, nil
}

// Submit validates the spec and starts the workflow asynchronously. The
// returned record is the PENDING snapshot; poll Get or block on Wait.
// The workflow runs detached from ctx.
func (m *Manager) Submit(ctx context.Context, spec *Spec, actor manager.Actor) (*schema.WorkflowRecord, error) {
	if spec == nil {
		return nil, errors.New(errors.CodeMissingParameter, "workflow", "spec is required", nil)
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeCancelled, "workflow", "submit cancelled", err)
	}

	rec := schema.NewWorkflowRecord(spec.Name)
	wsID := spec.WorkspaceID
	if wsID == "" {
		wsID = schema.DefaultWorkspaceID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New(errors.CodeInvalidState, "workflow", "manager is shut down", nil)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &workflowEntry{
		specName:    spec.Name,
		workspaceID: wsID,
		cancel:      cancel,
		done:        make(chan struct{}),
		record:      rec.Clone(),
	}
	m.entries[rec.WorkflowID] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.store.Put(rec); err != nil {
		m.logger.Warn().Err(err).Str("workflow_id", rec.WorkflowID).Msg("Initial checkpoint failed")
	}
	m.auditWorkflow(audit.ActionWorkflowCreated, rec.WorkflowID, wsID, actor, audit.OutcomeSuccess, map[string]interface{}{
		"workflow": spec.Name,
		"jobs":     len(spec.Jobs),
	})
	m.logger.Info().
		Str("workflow_id", rec.WorkflowID).
		Str("workflow", spec.Name).
		Int("jobs", len(spec.Jobs)).
		Msg("Workflow admitted")

	go m.execute(runCtx, entry, spec, rec)

	snap, _ := entry.snapshot()
	return snap, nil
}

func (m *Manager) execute(ctx context.Context, entry *workflowEntry, spec *Spec, rec *schema.WorkflowRecord) {
	defer m.wg.Done()
	defer entry.cancel()

	m.metrics.WorkflowStarted()

	publish := func(clone *schema.WorkflowRecord) {
		entry.setRecord(clone)
		if err := m.store.Put(clone); err != nil {
			m.logger.Warn().Err(err).Str("workflow_id", clone.WorkflowID).Msg("Checkpoint failed")
		}
	}

	final := m.runner.Run(ctx, spec, rec, publish)
	entry.finish(final)

	m.metrics.WorkflowFinished(final.Status)
	m.auditWorkflow(audit.ActionWorkflowCompleted, final.WorkflowID, entry.workspaceID, systemActor,
		workflowOutcome(final.Status), map[string]interface{}{
			"status":           string(final.Status),
			"duration_seconds": final.Duration().Seconds(),
		})

	m.evict()
	close(entry.done)
}

// Get returns the freshest view of a workflow: the registry for live
// and recently finished runs, the store otherwise.
func (m *Manager) Get(workflowID string) (*schema.WorkflowRecord, error) {
	m.mu.RLock()
	entry, ok := m.entries[workflowID]
	m.mu.RUnlock()
	if ok {
		rec, _ := entry.snapshot()
		return rec, nil
	}
	return m.store.Get(workflowID)
}

// Wait blocks until the workflow reaches a terminal state or ctx
// expires.
func (m *Manager) Wait(ctx context.Context, workflowID string) (*schema.WorkflowRecord, error) {
	m.mu.RLock()
	entry, ok := m.entries[workflowID]
	m.mu.RUnlock()
	if !ok {
		rec, err := m.store.Get(workflowID)
		if err != nil {
			return nil, err
		}
		if !rec.Status.IsTerminal() {
			return nil, errors.Newf(errors.CodeInvalidState, "workflow", "workflow %s is not tracked", workflowID)
		}
		return rec, nil
	}
	select {
	case <-entry.done:
		rec, _ := entry.snapshot()
		return rec, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeCancelled, "workflow", "wait cancelled", ctx.Err())
	}
}

// Cancel requests a stop of a running workflow. In-flight jobs are
// cancelled through the job manager; queued jobs never start.
func (m *Manager) Cancel(workflowID string, actor manager.Actor) error {
	m.mu.RLock()
	entry, ok := m.entries[workflowID]
	m.mu.RUnlock()
	if !ok {
		if rec, err := m.store.Get(workflowID); err == nil {
			return errors.Newf(errors.CodeInvalidState, "workflow", "workflow %s is already %s", workflowID, rec.Status)
		}
		return errors.Newf(errors.CodeResourceNotFound, "workflow", "workflow %s not found", workflowID)
	}
	if rec, finished := entry.snapshot(); finished {
		return errors.Newf(errors.CodeInvalidState, "workflow", "workflow %s is already %s", workflowID, rec.Status)
	}

	entry.cancel()
	m.logger.Info().
		Str("workflow_id", workflowID).
		Str("actor", actor.ID).
		Msg("Workflow cancellation requested")
	return nil
}

// List returns all workflow records newest first, with live registry
// state overriding whatever the store last saw.
func (m *Manager) List() ([]*schema.WorkflowRecord, error) {
	recs, err := m.store.List()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	live := make(map[string]*schema.WorkflowRecord, len(m.entries))
	for id, entry := range m.entries {
		rec, _ := entry.snapshot()
		live[id] = rec
	}
	m.mu.RUnlock()

	for i, rec := range recs {
		if fresh, ok := live[rec.WorkflowID]; ok {
			recs[i] = fresh
			delete(live, rec.WorkflowID)
		}
	}
	for _, rec := range live {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// Reconcile marks workflows stranded in a non-terminal state by a
// previous process as failed. Call it once at startup.
func (m *Manager) Reconcile() (int, error) {
	recs, err := m.store.List()
	if err != nil {
		return 0, err
	}

	orphaned := 0
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		m.mu.RLock()
		_, isLive := m.entries[rec.WorkflowID]
		m.mu.RUnlock()
		if isLive {
			continue
		}

		rec.Status = schema.WorkflowFailed
		rec.Error = "orphaned"
		for name, s := range rec.JobStatuses {
			if !s.IsTerminal() {
				rec.JobStatuses[name] = schema.StatusCancelled
			}
		}
		if rec.FinishedAt == nil {
			now := time.Now().UTC()
			rec.FinishedAt = &now
		}
		if err := m.store.Put(rec); err != nil {
			m.logger.Warn().Err(err).Str("workflow_id", rec.WorkflowID).Msg("Orphan mark failed")
			continue
		}
		m.auditWorkflow(audit.ActionWorkflowCompleted, rec.WorkflowID, schema.DefaultWorkspaceID, systemActor,
			audit.OutcomeError, map[string]interface{}{
				"status": string(schema.WorkflowFailed),
				"reason": "orphaned",
			})
		orphaned++
	}
	if orphaned > 0 {
		m.logger.Info().Int("orphaned", orphaned).Msg("Reconciled stranded workflows")
	}
	return orphaned, nil
}

// Shutdown stops accepting submissions, cancels in-flight workflows and
// waits for their executors, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
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
		m.logger.Info().Msg("Workflow manager drained")
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeTimeoutError, "workflow", "shutdown wait expired", ctx.Err())
	}
}

// evict trims the registry to maxFinished terminal entries, dropping
// the oldest-finished first.
func (m *Manager) evict() {
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

func (m *Manager) auditWorkflow(action, workflowID, workspaceID string, actor manager.Actor, outcome audit.Outcome, details map[string]interface{}) {
	if m.audit == nil {
		return
	}
	err := m.audit.Log(audit.Event{
		WorkspaceID:  workspaceID,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		Action:       action,
		ResourceType: "workflow",
		ResourceID:   workflowID,
		Details:      details,
		Outcome:      outcome,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("action", action).Msg("Audit append failed")
	}
}

func workflowOutcome(status schema.WorkflowStatus) audit.Outcome {
	switch status {
	case schema.WorkflowFailed, schema.WorkflowPartial:
		return audit.OutcomeError
	default:
		return audit.OutcomeSuccess
	}
}
