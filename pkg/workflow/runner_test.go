package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/backend"
	"github.com/orcaops/orcaops/pkg/manager"
	"github.com/orcaops/orcaops/pkg/policy"
	"github.com/orcaops/orcaops/pkg/runner"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

type wfHarness struct {
	fake     *backend.FakeBackend
	runs     *store.RunStore
	flows    *store.WorkflowStore
	auditLog *audit.Logger
	jobs     *manager.JobManager
	runner   *Runner
	mgr      *Manager
}

type wfOptions struct {
	securityPolicy *policy.SecurityPolicy
	maxParallel    int
	maxFinished    int
}

func newWorkflowHarness(t *testing.T, opts wfOptions) *wfHarness {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.Nop()

	fake := backend.NewFakeBackend()
	runs, err := store.NewRunStore(dir, log)
	require.NoError(t, err)
	flows, err := store.NewWorkflowStore(dir, log)
	require.NoError(t, err)
	auditLog, err := audit.NewLogger(dir, log)
	require.NoError(t, err)

	jobRunner, err := runner.New(runner.Config{Backend: fake, Runs: runs, Logger: log})
	require.NoError(t, err)

	var engine *policy.Engine
	if opts.securityPolicy != nil {
		engine = policy.NewEngine(*opts.securityPolicy, auditLog, log)
	}
	jobs, err := manager.NewJobManager(manager.Config{
		Runner: jobRunner,
		Runs:   runs,
		Policy: engine,
		Audit:  auditLog,
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})

	services, err := NewServiceManager(ServiceManagerConfig{
		Backend:        fake,
		Logger:         log,
		ReadinessDelay: time.Millisecond,
		HealthBackoff:  time.Millisecond,
		Probe:          func(context.Context, string, int) error { return nil },
	})
	require.NoError(t, err)

	wfRunner, err := NewRunner(RunnerConfig{
		Jobs:        jobs,
		Services:    services,
		Logger:      log,
		MaxParallel: opts.maxParallel,
	})
	require.NoError(t, err)

	mgr, err := NewManager(ManagerConfig{
		Runner:             wfRunner,
		Store:              flows,
		Audit:              auditLog,
		Logger:             log,
		MaxFinishedEntries: opts.maxFinished,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &wfHarness{
		fake:     fake,
		runs:     runs,
		flows:    flows,
		auditLog: auditLog,
		jobs:     jobs,
		runner:   wfRunner,
		mgr:      mgr,
	}
}

// okJob builds a job that exits zero.
func okJob(requires ...string) *Job {
	return &Job{Image: "alpine:3.20", Commands: []Command{{"true"}}, Requires: requires}
}

// failJob builds a job that exits non-zero.
func failJob(requires ...string) *Job {
	return &Job{Image: "alpine:3.20", Commands: []Command{{"false"}}, Requires: requires}
}

func readySpec(t *testing.T, spec *Spec) *Spec {
	t.Helper()
	spec.Normalize()
	require.NoError(t, spec.Validate())
	return spec
}

func runWorkflow(t *testing.T, h *wfHarness, spec *Spec) *schema.WorkflowRecord {
	t.Helper()
	rec := schema.NewWorkflowRecord(spec.Name)
	return h.runner.Run(context.Background(), spec, rec, nil)
}

func TestRunnerExecutesLevels(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "pipeline",
		Jobs: map[string]*Job{
			"prep":    okJob(),
			"build":   okJob("prep"),
			"lint":    okJob("prep"),
			"package": okJob("build", "lint"),
		},
	})

	final := runWorkflow(t, h, spec)

	assert.Equal(t, schema.WorkflowSuccess, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	for name, status := range final.JobStatuses {
		assert.Equal(t, schema.StatusSuccess, status, name)
	}
	require.Len(t, final.JobRunIDs, 4)

	// workflow jobs go through the job manager with full provenance
	rec, err := h.jobs.Get(final.JobRunIDs["build"])
	require.NoError(t, err)
	assert.Equal(t, "workflow", rec.Spec.TriggeredBy)
	assert.Contains(t, rec.Spec.Tags, "pipeline")
	assert.Equal(t, final.WorkflowID, rec.Spec.Metadata["workflow_id"])
	assert.True(t, strings.HasPrefix(rec.JobID, final.WorkflowID))
}

func TestRunnerUpstreamFailureCancelsDownstream(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "diamond",
		Jobs: map[string]*Job{
			"a": okJob(),
			"b": failJob("a"),
			"c": okJob("a"),
			"d": okJob("b", "c"),
		},
	})

	final := runWorkflow(t, h, spec)

	assert.Equal(t, schema.StatusSuccess, final.JobStatuses["a"])
	assert.Equal(t, schema.StatusFailed, final.JobStatuses["b"])
	assert.Equal(t, schema.StatusSuccess, final.JobStatuses["c"])
	assert.Equal(t, schema.StatusCancelled, final.JobStatuses["d"])
	assert.Equal(t, schema.WorkflowPartial, final.Status)

	// d never reached the job manager
	_, ok := final.JobRunIDs["d"]
	assert.False(t, ok)
}

func TestRunnerOnCompleteGating(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})

	t.Run("failure and always jobs run after a failure", func(t *testing.T) {
		spec := readySpec(t, &Spec{
			Name: "salvage",
			Jobs: map[string]*Job{
				"build": failJob(),
				"cleanup": {
					Image: "alpine:3.20", Commands: []Command{{"true"}},
					Requires: []string{"build"}, OnComplete: OnCompleteFailure,
				},
				"notify": {
					Image: "alpine:3.20", Commands: []Command{{"true"}},
					Requires: []string{"build"}, OnComplete: OnCompleteAlways,
				},
			},
		})

		final := runWorkflow(t, h, spec)
		assert.Equal(t, schema.StatusFailed, final.JobStatuses["build"])
		assert.Equal(t, schema.StatusSuccess, final.JobStatuses["cleanup"])
		assert.Equal(t, schema.StatusSuccess, final.JobStatuses["notify"])
		assert.Equal(t, schema.WorkflowPartial, final.Status)
	})

	t.Run("failure job is skipped on a green run", func(t *testing.T) {
		spec := readySpec(t, &Spec{
			Name: "green",
			Jobs: map[string]*Job{
				"build": okJob(),
				"cleanup": {
					Image: "alpine:3.20", Commands: []Command{{"true"}},
					Requires: []string{"build"}, OnComplete: OnCompleteFailure,
				},
			},
		})

		final := runWorkflow(t, h, spec)
		assert.Equal(t, schema.StatusSuccess, final.JobStatuses["build"])
		assert.Equal(t, schema.StatusSkipped, final.JobStatuses["cleanup"])
		assert.Equal(t, schema.WorkflowSuccess, final.Status)
	})
}

func TestRunnerConditionGating(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "conditional",
		Env:  map[string]string{"DEPLOY": "no", "SKIP_DOCS": "1"},
		Jobs: map[string]*Job{
			"build": okJob(),
			"deploy": {
				Image: "alpine:3.20", Commands: []Command{{"true"}},
				Requires:    []string{"build"},
				IfCondition: "${{ env.DEPLOY == 'yes' }}",
			},
			"docs": {
				Image: "alpine:3.20", Commands: []Command{{"true"}},
				Requires:        []string{"build"},
				UnlessCondition: "env.SKIP_DOCS == '1'",
			},
			"verify": {
				Image: "alpine:3.20", Commands: []Command{{"true"}},
				Requires:    []string{"build"},
				IfCondition: "jobs.build.status == 'success'",
			},
		},
	})

	final := runWorkflow(t, h, spec)

	assert.Equal(t, schema.StatusSkipped, final.JobStatuses["deploy"])
	assert.Equal(t, schema.StatusSkipped, final.JobStatuses["docs"])
	assert.Equal(t, schema.StatusSuccess, final.JobStatuses["verify"])
	// skipped jobs do not drag the workflow off SUCCESS
	assert.Equal(t, schema.WorkflowSuccess, final.Status)
}

func TestRunnerMatrixFanout(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "matrix",
		Jobs: map[string]*Job{
			"test": {
				Image:    "golang:${{ matrix.go }}",
				Commands: []Command{{"echo", "go ${{ matrix.go }}"}},
				Matrix:   &Matrix{Axes: map[string][]string{"go": {"1.22", "1.23"}}},
			},
			"report": okJob("test"),
		},
	})

	final := runWorkflow(t, h, spec)

	assert.Equal(t, schema.WorkflowSuccess, final.Status)
	assert.Equal(t, schema.StatusSuccess, final.JobStatuses["test[go=1.22]"])
	assert.Equal(t, schema.StatusSuccess, final.JobStatuses["test[go=1.23]"])
	assert.Equal(t, schema.StatusSuccess, final.JobStatuses["report"])

	rec, err := h.jobs.Get(final.JobRunIDs["test[go=1.22]"])
	require.NoError(t, err)
	assert.Equal(t, "golang:1.22", rec.Spec.Image)
	assert.Equal(t, "1.22", rec.Spec.Env["MATRIX_GO"])
	assert.Equal(t, schema.Command{"echo", "go 1.22"}, rec.Spec.Commands[0])
	assert.Contains(t, h.fake.Pulled(), "golang:1.22")
	assert.Contains(t, h.fake.Pulled(), "golang:1.23")
}

func TestRunnerMatrixVariantFailureAggregates(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "flaky-matrix",
		Jobs: map[string]*Job{
			"test": {
				Image:    "alpine:3.20",
				Commands: []Command{{"exit", "${{ matrix.code }}"}},
				Matrix:   &Matrix{Axes: map[string][]string{"code": {"0", "1"}}},
			},
			"publish": okJob("test"),
		},
	})

	final := runWorkflow(t, h, spec)

	assert.Equal(t, schema.StatusSuccess, final.JobStatuses["test[code=0]"])
	assert.Equal(t, schema.StatusFailed, final.JobStatuses["test[code=1]"])
	// one broken variant fails the base job for gating purposes
	assert.Equal(t, schema.StatusCancelled, final.JobStatuses["publish"])
	assert.Equal(t, schema.WorkflowPartial, final.Status)
}

func TestRunnerServiceWiring(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "integration",
		Jobs: map[string]*Job{
			"app": {
				Image:    "alpine:3.20",
				Commands: []Command{{"true"}},
				Services: ServiceSet{"redis": {Image: "redis:7"}},
			},
		},
	})

	final := runWorkflow(t, h, spec)
	require.Equal(t, schema.WorkflowSuccess, final.Status)

	rec, err := h.jobs.Get(final.JobRunIDs["app"])
	require.NoError(t, err)

	netName := "orcaops-" + final.WorkflowID + "-app"
	assert.Equal(t, netName, rec.Spec.Network)
	assert.Equal(t, "orcaops-svc-"+final.WorkflowID+"-app-redis", rec.Spec.Env["REDIS_HOST"])
	assert.Equal(t, "6379", rec.Spec.Env["REDIS_PORT"])
	assert.Contains(t, h.fake.Pulled(), "redis:7")

	// services and their network are gone once the job finished
	assert.False(t, h.fake.NetworkExists(netName))
	assert.Contains(t, h.fake.RemovedNetworks(), netName)
}

func TestRunnerWorkflowTimeout(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name:           "slow",
		TimeoutSeconds: 1,
		Jobs: map[string]*Job{
			"stall": {Image: "alpine:3.20", Commands: []Command{{"sleep", "30"}}},
			"after": okJob("stall"),
		},
	})

	start := time.Now()
	final := runWorkflow(t, h, spec)

	assert.Equal(t, schema.WorkflowFailed, final.Status)
	assert.Equal(t, "workflow_timeout", final.Error)
	assert.Equal(t, schema.StatusCancelled, final.JobStatuses["stall"])
	assert.Equal(t, schema.StatusCancelled, final.JobStatuses["after"])
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestRunnerExternalCancel(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "interrupted",
		Jobs: map[string]*Job{
			"stall": {Image: "alpine:3.20", Commands: []Command{{"sleep", "30"}}},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	rec := schema.NewWorkflowRecord(spec.Name)
	final := h.runner.Run(ctx, spec, rec, nil)

	assert.Equal(t, schema.WorkflowCancelled, final.Status)
	assert.Equal(t, "workflow cancelled", final.Error)
	assert.Equal(t, schema.StatusCancelled, final.JobStatuses["stall"])
}

func TestRunnerSubmitRejectionFailsVariant(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{
		securityPolicy: &policy.SecurityPolicy{BlockedImages: []string{"evil/*"}},
	})
	spec := readySpec(t, &Spec{
		Name: "blocked",
		Jobs: map[string]*Job{
			"mine": {Image: "evil/miner:latest", Commands: []Command{{"true"}}},
		},
	})

	final := runWorkflow(t, h, spec)

	assert.Equal(t, schema.StatusFailed, final.JobStatuses["mine"])
	assert.Equal(t, schema.WorkflowFailed, final.Status)
	_, ok := final.JobRunIDs["mine"]
	assert.False(t, ok)
}

func TestRunnerPublishesCheckpoints(t *testing.T) {
	h := newWorkflowHarness(t, wfOptions{})
	spec := readySpec(t, &Spec{
		Name: "observed",
		Jobs: map[string]*Job{"only": okJob()},
	})

	var mu sync.Mutex
	var seen []schema.WorkflowStatus
	publish := func(rec *schema.WorkflowRecord) {
		mu.Lock()
		seen = append(seen, rec.Status)
		mu.Unlock()
	}

	rec := schema.NewWorkflowRecord(spec.Name)
	final := h.runner.Run(context.Background(), spec, rec, publish)
	require.Equal(t, schema.WorkflowSuccess, final.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, schema.WorkflowRunning, seen[0])
	assert.Equal(t, schema.WorkflowSuccess, seen[len(seen)-1])
}

func TestAggregateStatus(t *testing.T) {
	s := func(ss ...schema.JobStatus) []schema.JobStatus { return ss }

	assert.Equal(t, schema.StatusFailed, aggregateStatus(s(schema.StatusSuccess, schema.StatusFailed)))
	assert.Equal(t, schema.StatusTimedOut, aggregateStatus(s(schema.StatusSuccess, schema.StatusTimedOut)))
	assert.Equal(t, schema.StatusFailed, aggregateStatus(s(schema.StatusTimedOut, schema.StatusFailed)))
	assert.Equal(t, schema.StatusCancelled, aggregateStatus(s(schema.StatusCancelled, schema.StatusSuccess)))
	assert.Equal(t, schema.StatusSuccess, aggregateStatus(s(schema.StatusSuccess, schema.StatusSkipped)))
	assert.Equal(t, schema.StatusSkipped, aggregateStatus(s(schema.StatusSkipped)))
	assert.Equal(t, schema.StatusQueued, aggregateStatus(nil))
}

func TestComputeFinalStatus(t *testing.T) {
	m := func(ss ...schema.JobStatus) map[string]schema.JobStatus {
		out := map[string]schema.JobStatus{}
		for i, s := range ss {
			out[string(rune('a'+i))] = s
		}
		return out
	}

	assert.Equal(t, schema.WorkflowSuccess, computeFinalStatus(m(schema.StatusSuccess, schema.StatusSuccess)))
	assert.Equal(t, schema.WorkflowSuccess, computeFinalStatus(m(schema.StatusSuccess, schema.StatusSkipped)))
	assert.Equal(t, schema.WorkflowSuccess, computeFinalStatus(m()))
	assert.Equal(t, schema.WorkflowCancelled, computeFinalStatus(m(schema.StatusCancelled, schema.StatusCancelled)))
	assert.Equal(t, schema.WorkflowCancelled, computeFinalStatus(m(schema.StatusSuccess, schema.StatusCancelled)))
	assert.Equal(t, schema.WorkflowPartial, computeFinalStatus(m(schema.StatusSuccess, schema.StatusFailed)))
	assert.Equal(t, schema.WorkflowPartial, computeFinalStatus(m(schema.StatusSuccess, schema.StatusTimedOut, schema.StatusCancelled)))
	assert.Equal(t, schema.WorkflowFailed, computeFinalStatus(m(schema.StatusFailed, schema.StatusTimedOut)))
	assert.Equal(t, schema.WorkflowFailed, computeFinalStatus(m(schema.StatusFailed, schema.StatusCancelled)))
}
