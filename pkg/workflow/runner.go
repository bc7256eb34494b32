package workflow

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/manager"
	"github.com/orcaops/orcaops/pkg/schema"
)

const (
	defaultMaxParallel = 4

	// cancelSettleGrace bounds how long a variant waits for its job to
	// reach a terminal state after the workflow context died.
	cancelSettleGrace = 30 * time.Second
)

// PublishFunc receives a deep copy of the workflow record after every
// state change. The registry uses it to checkpoint progress to disk.
type PublishFunc func(rec *schema.WorkflowRecord)

// RunnerConfig configures a workflow Runner.
type RunnerConfig struct {
	Jobs        *manager.JobManager
	Services    *ServiceManager
	Logger      zerolog.Logger
	MaxParallel int
}

// Runner executes one workflow spec to completion: levels in order,
// jobs within a level concurrently, each variant submitted through the
// job manager so policy, quota and audit apply to workflow jobs the
// same as to direct submissions.
type Runner struct {
	jobs        *manager.JobManager
	services    *ServiceManager
	logger      zerolog.Logger
	maxParallel int
}

// NewRunner validates the config and builds a Runner. Services may be
// nil when no spec uses service containers.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Jobs == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "workflow", "workflow runner requires a job manager", nil)
	}
	r := &Runner{
		jobs:        cfg.Jobs,
		services:    cfg.Services,
		logger:      cfg.Logger.With().Str("component", "workflow_runner").Logger(),
		maxParallel: cfg.MaxParallel,
	}
	if r.maxParallel <= 0 {
		r.maxParallel = defaultMaxParallel
	}
	return r, nil
}

// Run drives the workflow to a terminal record. The record is always
// terminal on return; execution failures surface in its status and
// error, not as a Go error. publish may be nil.
func (r *Runner) Run(ctx context.Context, spec *Spec, rec *schema.WorkflowRecord, publish PublishFunc) *schema.WorkflowRecord {
	log := r.logger.With().
		Str("workflow_id", rec.WorkflowID).
		Str("workflow", spec.Name).
		Logger()

	st := &execState{rec: rec, publish: publish}

	levels, err := compileLevels(spec)
	if err != nil {
		st.update(func(rec *schema.WorkflowRecord) {
			rec.Status = schema.WorkflowFailed
			rec.Error = err.Error()
			now := time.Now().UTC()
			rec.FinishedAt = &now
		})
		return st.snapshot()
	}

	// Expand matrix variants up front so every planned job is visible
	// as QUEUED from the first checkpoint.
	plan := make(map[string][]plannedVariant, len(spec.Jobs))
	for name, job := range spec.Jobs {
		for _, params := range expandMatrix(job.Matrix) {
			plan[name] = append(plan[name], plannedVariant{
				base:   name,
				name:   variantName(name, params),
				params: params,
			})
		}
	}

	st.update(func(rec *schema.WorkflowRecord) {
		rec.Status = schema.WorkflowRunning
		now := time.Now().UTC()
		rec.StartedAt = &now
		for _, variants := range plan {
			for _, v := range variants {
				rec.JobStatuses[v.name] = schema.StatusQueued
			}
		}
	})
	log.Info().Int("levels", len(levels)).Int("jobs", len(spec.Jobs)).Msg("Workflow started")

	wfCtx := ctx
	cancel := func() {}
	if spec.TimeoutSeconds > 0 {
		wfCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
	}
	defer cancel()

	for _, level := range levels {
		if wfCtx.Err() != nil {
			break
		}

		base := st.baseStatuses(plan)
		var toRun []string
		for _, name := range level {
			job := spec.Jobs[name]
			verdict, status, reason := gateJob(spec, job, base)
			if verdict {
				toRun = append(toRun, name)
				continue
			}
			st.update(func(rec *schema.WorkflowRecord) {
				for _, v := range plan[name] {
					rec.JobStatuses[v.name] = status
				}
			})
			log.Info().Str("job", name).Str("status", string(status)).Str("reason", reason).Msg("Job gated out")
		}
		if len(toRun) == 0 {
			continue
		}

		var g errgroup.Group
		g.SetLimit(r.maxParallel)
		for _, name := range toRun {
			job := spec.Jobs[name]
			for _, v := range plan[name] {
				v := v
				g.Go(func() error {
					r.runVariant(wfCtx, spec, job, v, st, log)
					return nil
				})
			}
		}
		g.Wait()
	}

	final := st.finalize(ctx, wfCtx, spec)
	log.Info().
		Str("status", string(final.Status)).
		Dur("duration", final.Duration()).
		Msg("Workflow finished")
	return final
}

type plannedVariant struct {
	base   string
	name   string
	params map[string]string
}

// gateJob decides whether a job runs. A false verdict carries the
// replacement status: SKIPPED when the job's own trigger did not fire,
// CANCELLED when an upstream dependency failed, so the failure keeps
// propagating to jobs downstream of this one.
func gateJob(spec *Spec, job *Job, base map[string]schema.JobStatus) (bool, schema.JobStatus, string) {
	switch job.OnComplete {
	case OnCompleteAlways:
	case OnCompleteFailure:
		hasFailure := false
		for _, dep := range job.Requires {
			if s := base[dep]; s == schema.StatusFailed || s == schema.StatusTimedOut {
				hasFailure = true
				break
			}
		}
		if !hasFailure {
			return false, schema.StatusSkipped, "no upstream failure"
		}
	default:
		for _, dep := range job.Requires {
			if s := base[dep]; s != schema.StatusSuccess && s != schema.StatusSkipped {
				return false, schema.StatusCancelled, "upstream failure"
			}
		}
	}

	bindings := Bindings{JobStatuses: base, Env: spec.Env}
	if job.IfCondition != "" {
		ok, err := EvalCondition(job.IfCondition, bindings)
		if err != nil || !ok {
			return false, schema.StatusSkipped, "condition not met"
		}
	}
	if job.UnlessCondition != "" {
		ok, err := EvalCondition(job.UnlessCondition, bindings)
		if err == nil && ok {
			return false, schema.StatusSkipped, "condition not met"
		}
	}
	return true, "", ""
}

// runVariant executes one variant end to end: services up, submit,
// wait, record. It always leaves the variant in a terminal status.
func (r *Runner) runVariant(ctx context.Context, spec *Spec, job *Job, v plannedVariant, st *execState, log zerolog.Logger) {
	workflowID := st.workflowID()
	actor := manager.Actor{Type: "system", ID: "workflow:" + workflowID}

	var rs *RunningServices
	if len(job.Services) > 0 {
		if r.services == nil {
			st.setStatus(v.name, schema.StatusFailed)
			log.Error().Str("job", v.name).Msg("Spec declares services but no service manager is configured")
			return
		}
		var err error
		rs, err = r.services.Start(ctx, workflowID, v.name, job.Services)
		if err != nil {
			st.setStatus(v.name, failureStatus(ctx))
			log.Error().Err(err).Str("job", v.name).Msg("Service startup failed")
			return
		}
		defer r.services.Stop(rs)
	}

	jobSpec := buildJobSpec(spec, job, v, workflowID, rs)
	if _, err := r.jobs.Submit(ctx, jobSpec, actor); err != nil {
		st.setStatus(v.name, failureStatus(ctx))
		log.Warn().Err(err).Str("job", v.name).Msg("Job submission rejected")
		return
	}
	st.update(func(rec *schema.WorkflowRecord) {
		rec.JobRunIDs[v.name] = jobSpec.JobID
		rec.JobStatuses[v.name] = schema.StatusRunning
	})

	final, err := r.jobs.Wait(ctx, jobSpec.JobID)
	if err != nil {
		// The workflow context died mid-flight. Cancel the job and give
		// it a bounded window to settle so containers are reaped.
		_ = r.jobs.Cancel(jobSpec.JobID, actor)
		settleCtx, settle := context.WithTimeout(context.Background(), cancelSettleGrace)
		defer settle()
		final, err = r.jobs.Wait(settleCtx, jobSpec.JobID)
		if err != nil {
			st.setStatus(v.name, schema.StatusCancelled)
			log.Warn().Str("job", v.name).Msg("Job did not settle after cancel")
			return
		}
	}
	st.setStatus(v.name, final.Status)
	log.Debug().Str("job", v.name).Str("status", string(final.Status)).Msg("Workflow job finished")
}

// failureStatus classifies a variant that never produced a run record:
// CANCELLED when the workflow context is already dead, FAILED otherwise.
func failureStatus(ctx context.Context) schema.JobStatus {
	if ctx.Err() != nil {
		return schema.StatusCancelled
	}
	return schema.StatusFailed
}

// buildJobSpec lowers one variant to a job spec: matrix interpolation
// applied, environments merged, service network attached.
func buildJobSpec(spec *Spec, job *Job, v plannedVariant, workflowID string, rs *RunningServices) schema.JobSpec {
	env := map[string]string{}
	for k, val := range spec.Env {
		env[k] = val
	}
	for k, val := range job.Env {
		env[k] = interpolateMatrix(val, v.params)
	}
	for k, val := range v.params {
		env["MATRIX_"+strings.ToUpper(k)] = val
	}

	commands := make([]schema.Command, len(job.Commands))
	for i, cmd := range job.Commands {
		argv := make(schema.Command, len(cmd))
		for j, a := range cmd {
			argv[j] = interpolateMatrix(a, v.params)
		}
		commands[i] = argv
	}

	var artifacts []string
	for _, pattern := range job.Artifacts {
		artifacts = append(artifacts, interpolateMatrix(pattern, v.params))
	}

	js := schema.JobSpec{
		JobID:         variantJobID(workflowID, v),
		WorkspaceID:   spec.WorkspaceID,
		Image:         interpolateMatrix(job.Image, v.params),
		Commands:      commands,
		Env:           env,
		Artifacts:     artifacts,
		TTLSeconds:    job.TimeoutSeconds,
		CleanupPolicy: job.CleanupPolicy,
		TriggeredBy:   "workflow",
		Tags:          []string{"workflow", spec.Name, job.Name},
		Metadata: map[string]interface{}{
			"workflow_id":  workflowID,
			"workflow_job": v.name,
		},
	}
	if rs != nil {
		js.Network = rs.Network
		for k, val := range rs.Env {
			js.Env[k] = val
		}
	}
	return js
}

var jobIDUnsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// variantJobID derives a valid job id from the workflow id and variant:
// "wf-<id>-test-go1.22-oslinux".
func variantJobID(workflowID string, v plannedVariant) string {
	id := workflowID + "-" + v.base
	if key := matrixKey(v.params); key != "" {
		id += "-" + strings.ReplaceAll(strings.ReplaceAll(key, ",", "-"), "=", "")
	}
	id = jobIDUnsafeChars.ReplaceAllString(id, "-")
	if len(id) > 128 {
		id = id[:128]
	}
	return id
}

// execState serializes mutations of the shared workflow record and
// publishes a clone after each one.
type execState struct {
	mu      sync.Mutex
	rec     *schema.WorkflowRecord
	publish PublishFunc
}

func (st *execState) update(fn func(rec *schema.WorkflowRecord)) {
	st.mu.Lock()
	fn(st.rec)
	clone := st.rec.Clone()
	st.mu.Unlock()
	if st.publish != nil {
		st.publish(clone)
	}
}

func (st *execState) setStatus(name string, status schema.JobStatus) {
	st.update(func(rec *schema.WorkflowRecord) {
		rec.JobStatuses[name] = status
	})
}

func (st *execState) snapshot() *schema.WorkflowRecord {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Clone()
}

func (st *execState) workflowID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.WorkflowID
}

// baseStatuses aggregates variant statuses up to their base job names
// for gating and condition evaluation.
func (st *execState) baseStatuses(plan map[string][]plannedVariant) map[string]schema.JobStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]schema.JobStatus, len(plan))
	for base, variants := range plan {
		statuses := make([]schema.JobStatus, 0, len(variants))
		for _, v := range variants {
			statuses = append(statuses, st.rec.JobStatuses[v.name])
		}
		out[base] = aggregateStatus(statuses)
	}
	return out
}

// finalize sweeps still-queued variants to CANCELLED and derives the
// workflow's terminal status.
func (st *execState) finalize(parent, wfCtx context.Context, spec *Spec) *schema.WorkflowRecord {
	var final *schema.WorkflowRecord
	st.update(func(rec *schema.WorkflowRecord) {
		for name, s := range rec.JobStatuses {
			if s == schema.StatusQueued {
				rec.JobStatuses[name] = schema.StatusCancelled
			}
		}
		now := time.Now().UTC()
		rec.FinishedAt = &now
		switch {
		case parent.Err() != nil:
			rec.Status = schema.WorkflowCancelled
			rec.Error = "workflow cancelled"
		case wfCtx.Err() != nil:
			rec.Status = schema.WorkflowFailed
			rec.Error = "workflow_timeout"
		default:
			rec.Status = computeFinalStatus(rec.JobStatuses)
		}
		final = rec.Clone()
	})
	return final
}

// aggregateStatus folds variant statuses into one base-job status.
// Failure dominates so downstream gating sees any broken variant.
func aggregateStatus(statuses []schema.JobStatus) schema.JobStatus {
	var failed, timedOut, cancelled, success, skipped bool
	for _, s := range statuses {
		switch s {
		case schema.StatusFailed:
			failed = true
		case schema.StatusTimedOut:
			timedOut = true
		case schema.StatusCancelled:
			cancelled = true
		case schema.StatusSuccess:
			success = true
		case schema.StatusSkipped:
			skipped = true
		}
	}
	switch {
	case failed:
		return schema.StatusFailed
	case timedOut:
		return schema.StatusTimedOut
	case cancelled:
		return schema.StatusCancelled
	case success:
		return schema.StatusSuccess
	case skipped:
		return schema.StatusSkipped
	default:
		return schema.StatusQueued
	}
}

// computeFinalStatus derives the workflow status from its job statuses.
// SKIPPED jobs count as successful: a gated-out cleanup step must not
// drag a green workflow to PARTIAL.
func computeFinalStatus(statuses map[string]schema.JobStatus) schema.WorkflowStatus {
	var success, failed, cancelled int
	for _, s := range statuses {
		switch s {
		case schema.StatusSuccess, schema.StatusSkipped:
			success++
		case schema.StatusFailed, schema.StatusTimedOut:
			failed++
		case schema.StatusCancelled:
			cancelled++
		}
	}
	switch {
	case failed == 0 && cancelled == 0:
		return schema.WorkflowSuccess
	case failed == 0:
		return schema.WorkflowCancelled
	case success > 0:
		return schema.WorkflowPartial
	default:
		return schema.WorkflowFailed
	}
}
