package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaops/orcaops/pkg/backend"
	"github.com/orcaops/orcaops/pkg/baseline"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

func newTestRunner(t *testing.T, fake *backend.FakeBackend) (*Runner, *store.RunStore) {
	t.Helper()
	runs, err := store.NewRunStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	r, err := New(Config{
		Backend:   fake,
		Runs:      runs,
		Logger:    zerolog.Nop(),
		PullRetry: fastRetry(3),
	})
	require.NoError(t, err)
	return r, runs
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		Retryable:     transientBackendError,
	}
}

func testSpec(jobID string, policy schema.CleanupPolicy, cmds ...schema.Command) schema.JobSpec {
	spec := schema.JobSpec{
		JobID:         jobID,
		Image:         "alpine:3.20",
		Commands:      cmds,
		TTLSeconds:    30,
		CleanupPolicy: policy,
	}
	spec.Normalize()
	return spec
}

func TestRunSuccess(t *testing.T) {
	fake := backend.NewFakeBackend()
	r, runs := newTestRunner(t, fake)

	spec := testSpec("job-ok", schema.CleanupRemoveOnCompletion,
		schema.Command{"echo", "hello"},
		schema.Command{"true"},
	)
	rec, err := r.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rec.Status)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, 0, rec.Steps[0].ExitCode)
	assert.Equal(t, "hello\n", rec.Steps[0].Stdout)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.FinishedAt)
	assert.Equal(t, schema.CleanupRemoved, rec.CleanupStatus)
	assert.Len(t, fake.Removed(), 1)

	stored, err := runs.Get("job-ok")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, stored.Status)
	assert.Len(t, stored.Steps, 2)

	steps, err := runs.ReadSteps("job-ok")
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestRunFailFast(t *testing.T) {
	fake := backend.NewFakeBackend()
	r, _ := newTestRunner(t, fake)

	spec := testSpec("job-fail", schema.CleanupRemoveOnCompletion,
		schema.Command{"echo", "a"},
		schema.Command{"false"},
		schema.Command{"echo", "never"},
	)
	rec, err := r.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rec.Status)
	assert.Equal(t, "step 1 exited with code 1", rec.Error)
	require.Len(t, rec.Steps, 2, "third command must not run")
	assert.Equal(t, 1, rec.Steps[1].ExitCode)

	// remove_on_completion keeps failed sandboxes for debugging.
	assert.Equal(t, schema.CleanupKept, rec.CleanupStatus)
	assert.Empty(t, fake.Removed())
}

func TestRunTimeout(t *testing.T) {
	fake := backend.NewFakeBackend()
	r, _ := newTestRunner(t, fake)

	spec := testSpec("job-slow", schema.CleanupNeverRemove, schema.Command{"sleep", "5"})
	spec.TTLSeconds = 1
	rec, err := r.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusTimedOut, rec.Status)
	assert.Equal(t, "job exceeded ttl of 1 seconds", rec.Error)
	require.Len(t, rec.Steps, 1)
	assert.Contains(t, rec.Steps[0].Stderr, "job ttl exceeded")
	assert.Equal(t, schema.CleanupKept, rec.CleanupStatus)

	// Watchdog stopped the container; never_remove left it behind.
	infos, err := fake.ListContainers(context.Background(), backend.JobIDLabel+"=job-slow")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.False(t, fake.Running(infos[0].ID))

	require.NotNil(t, rec.Summary)
	assert.Contains(t, rec.Summary.OneLiner, "Timed out")
}

func TestRunTimeoutRemoveOnTimeout(t *testing.T) {
	fake := backend.NewFakeBackend()
	r, _ := newTestRunner(t, fake)

	spec := testSpec("job-slow-rm", schema.CleanupRemoveOnTimeout, schema.Command{"sleep", "5"})
	spec.TTLSeconds = 1
	rec, err := r.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusTimedOut, rec.Status)
	assert.Equal(t, schema.CleanupRemoved, rec.CleanupStatus)
	assert.Len(t, fake.Removed(), 1)
}

func TestRunCancelled(t *testing.T) {
	fake := backend.NewFakeBackend()
	r, _ := newTestRunner(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	spec := testSpec("job-cancel", schema.CleanupRemoveOnCompletion, schema.Command{"sleep", "5"})
	rec, err := r.Run(ctx, spec, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusCancelled, rec.Status)
	assert.Equal(t, "job cancelled", rec.Error)
	require.Len(t, rec.Steps, 1)
	assert.Contains(t, rec.Steps[0].Stderr, "job cancelled")
	assert.Equal(t, schema.CleanupKept, rec.CleanupStatus)
}

func TestPullRetryRecovers(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.PullFailures["alpine:3.20"] = 2
	r, _ := newTestRunner(t, fake)

	rec, err := r.Run(context.Background(), testSpec("job-pull", "", schema.Command{"true"}), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rec.Status)
	assert.Equal(t, []string{"alpine:3.20"}, fake.Pulled())
}

func TestPullRetryExhausted(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.PullFailures["alpine:3.20"] = 3
	r, _ := newTestRunner(t, fake)

	rec, err := r.Run(context.Background(), testSpec("job-nopull", "", schema.Command{"true"}), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "pull")
	assert.Empty(t, rec.Steps)
	// No container was created, so there is nothing left to clean.
	assert.Equal(t, schema.CleanupRemoved, rec.CleanupStatus)
	require.NotNil(t, rec.Summary)
}

func TestCreateFailure(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.CreateErr = assert.AnError
	r, _ := newTestRunner(t, fake)

	rec, err := r.Run(context.Background(), testSpec("job-nocreate", "", schema.Command{"true"}), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Nil(t, rec.EnvironmentCapture)
}

func TestArtifactCollection(t *testing.T) {
	fake := backend.NewFakeBackend()
	content := []byte("line one\nline two\n")
	fake.SeedFile("/app/report.txt", content)
	fake.SeedFile("/app/data.raw", []byte{0x01, 0x02})
	r, runs := newTestRunner(t, fake)

	spec := testSpec("job-art", "", schema.Command{"true"})
	spec.Artifacts = []string{"/app/*.txt", "/app/missing-*.xml"}
	rec, err := r.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, err)

	require.Len(t, rec.Artifacts, 1)
	art := rec.Artifacts[0]
	assert.Equal(t, "/app/report.txt", art.PathInContainer)
	assert.Equal(t, "report.txt", art.LocalPath)
	assert.Equal(t, int64(len(content)), art.SizeBytes)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), art.SHA256)
	assert.Equal(t, "text/plain; charset=utf-8", art.ContentType)

	require.Len(t, rec.Warnings, 1)
	assert.Contains(t, rec.Warnings[0], "matched nothing")

	assert.FileExists(t, filepath.Join(runs.RunDir("job-art"), "report.txt"))
}

func TestArtifactSizeCap(t *testing.T) {
	fake := backend.NewFakeBackend()
	big := make([]byte, 600*1024)
	fake.SeedFile("/out/a.bin", big)
	fake.SeedFile("/out/b.bin", big)
	r, _ := newTestRunner(t, fake)

	ws := schema.NewWorkspace("ws_cap1", "cap", schema.OwnerUser, "u1")
	ws.Limits.MaxArtifactsSizeMB = 1

	spec := testSpec("job-cap", "", schema.Command{"true"})
	spec.Artifacts = []string{"/out/*.bin"}
	rec, err := r.Run(context.Background(), spec, RunOptions{Workspace: ws})
	require.NoError(t, err)

	require.Len(t, rec.Artifacts, 1, "collection truncates once the cap is crossed")
	assert.Equal(t, "/out/a.bin", rec.Artifacts[0].PathInContainer)
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[len(rec.Warnings)-1], "truncated at 1 MB cap")
}

func TestArtifactsCollectedAfterTimeout(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.SeedFile("/var/log/job.log", []byte("partial output\n"))
	r, _ := newTestRunner(t, fake)

	spec := testSpec("job-slow-art", schema.CleanupRemoveOnTimeout, schema.Command{"sleep", "5"})
	spec.TTLSeconds = 1
	spec.Artifacts = []string{"/var/log/job.log"}
	rec, err := r.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusTimedOut, rec.Status)
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, "job.log", rec.Artifacts[0].LocalPath)
}

func TestEnvironmentCaptureRedaction(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.Digests["alpine:3.20"] = "sha256:feedface"
	r, _ := newTestRunner(t, fake)

	spec := testSpec("job-env", schema.CleanupNeverRemove, schema.Command{"true"})
	spec.Env = map[string]string{
		"API_KEY":     "abc123",
		"DB_PASSWORD": "hunter2",
		"REGION":      "eu",
	}
	rec, err := r.Run(context.Background(), spec, RunOptions{
		ExtraEnv: map[string]string{"REGION": "us", "PG_HOST": "db"},
	})
	require.NoError(t, err)

	capture := rec.EnvironmentCapture
	require.NotNil(t, capture)
	assert.Equal(t, "sha256:feedface", capture.ImageDigest)
	assert.Equal(t, "[REDACTED]", capture.Env["API_KEY"])
	assert.Equal(t, "[REDACTED]", capture.Env["DB_PASSWORD"])
	assert.Equal(t, "us", capture.Env["REGION"], "extra env wins over spec env")
	assert.Equal(t, "db", capture.Env["PG_HOST"])

	// The sandbox itself received the unmasked values.
	infos, err := fake.ListContainers(context.Background(), backend.JobIDLabel+"=job-env")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	env := fake.ContainerEnv(infos[0].ID)
	assert.Equal(t, "abc123", env["API_KEY"])
	assert.Equal(t, "hunter2", env["DB_PASSWORD"])
}

func TestCleanupPolicyOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		policy  schema.CleanupPolicy
		cmd     schema.Command
		status  schema.JobStatus
		cleanup schema.CleanupStatus
	}{
		{"always remove on failure", schema.CleanupAlwaysRemove, schema.Command{"false"}, schema.StatusFailed, schema.CleanupRemoved},
		{"remove on completion success", schema.CleanupRemoveOnCompletion, schema.Command{"true"}, schema.StatusSuccess, schema.CleanupRemoved},
		{"keep on completion success", schema.CleanupKeepOnCompletion, schema.Command{"true"}, schema.StatusSuccess, schema.CleanupKept},
		{"remove on timeout ignores success", schema.CleanupRemoveOnTimeout, schema.Command{"true"}, schema.StatusSuccess, schema.CleanupKept},
		{"never remove success", schema.CleanupNeverRemove, schema.Command{"true"}, schema.StatusSuccess, schema.CleanupKept},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := backend.NewFakeBackend()
			r, _ := newTestRunner(t, fake)

			rec, err := r.Run(context.Background(), testSpec("job-pol", tc.policy, tc.cmd), RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, tc.status, rec.Status)
			assert.Equal(t, tc.cleanup, rec.CleanupStatus)
		})
	}
}

func TestRemoveFailureSetsCleanupFailed(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.RemoveErr = assert.AnError
	r, _ := newTestRunner(t, fake)

	rec, err := r.Run(context.Background(), testSpec("job-norm", schema.CleanupAlwaysRemove, schema.Command{"true"}), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rec.Status, "cleanup failure never alters the job status")
	assert.Equal(t, schema.CleanupFailed, rec.CleanupStatus)
}

func TestLeakedContainerSwept(t *testing.T) {
	fake := backend.NewFakeBackend()
	// A stray container from a previous attempt still wears the job label.
	_, err := fake.Create(context.Background(), backend.CreateOptions{
		Image:  "alpine:3.20",
		Name:   "stray",
		Labels: map[string]string{backend.JobIDLabel: "job-leak"},
	})
	require.NoError(t, err)
	r, _ := newTestRunner(t, fake)

	rec, err := r.Run(context.Background(), testSpec("job-leak", schema.CleanupAlwaysRemove, schema.Command{"true"}), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.CleanupRemoved, rec.CleanupStatus)
	assert.Len(t, fake.Removed(), 2, "the stray is removed alongside the job's own container")
}

func TestResourceSnapshotAttached(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.StatsSnapshot = backend.ResourceSnapshot{CPUPercent: 12.5, MemoryMB: 256, NetRxBytes: 1024}
	r, _ := newTestRunner(t, fake)

	rec, err := r.Run(context.Background(), testSpec("job-stats", "", schema.Command{"true"}), RunOptions{})
	require.NoError(t, err)

	require.NotNil(t, rec.ResourceUsage)
	assert.Equal(t, 12.5, rec.ResourceUsage.CPUPercent)
	assert.Equal(t, 256.0, rec.ResourceUsage.MemoryPeakMB)
	assert.Equal(t, int64(1024), rec.ResourceUsage.NetRxBytes)
}

func TestStatsFailureOmitsSnapshot(t *testing.T) {
	fake := backend.NewFakeBackend()
	fake.StatsErr = assert.AnError
	r, _ := newTestRunner(t, fake)

	rec, err := r.Run(context.Background(), testSpec("job-nostats", "", schema.Command{"true"}), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rec.Status)
	assert.Nil(t, rec.ResourceUsage)
	require.NotNil(t, rec.Summary)
}

func TestWorkspaceCapsAndHardeningApplied(t *testing.T) {
	fake := backend.NewFakeBackend()
	r, _ := newTestRunner(t, fake)

	ws := schema.NewWorkspace("ws_caps1", "caps", schema.OwnerUser, "u1")
	ws.Limits.MaxCPUPerJob = 2
	ws.Limits.MaxMemoryPerJobMB = 512

	spec := testSpec("job-caps", schema.CleanupNeverRemove, schema.Command{"true"})
	rec, err := r.Run(context.Background(), spec, RunOptions{Workspace: ws, Network: "wf-net"})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, rec.Status)

	infos, err := fake.ListContainers(context.Background(), backend.JobIDLabel+"=job-caps")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Contains(t, fake.ContainerNetworks(infos[0].ID), "wf-net")

	opts, ok := fake.CreateOptionsFor(infos[0].ID)
	require.True(t, ok)
	assert.Equal(t, 2.0, opts.Caps.CPUs)
	assert.Equal(t, 512, opts.Caps.MemoryMB)
	assert.True(t, opts.Security.DropAllCapabilities)
	assert.True(t, opts.Security.NoNewPrivileges)
	assert.Equal(t, "job-caps", opts.Labels[backend.JobIDLabel])
}

func TestBaselineAnomalyAttachedToRun(t *testing.T) {
	fake := backend.NewFakeBackend()
	shouldFail := false
	fake.ExecHandler = func(_ string, _ schema.Command) (backend.ExecResult, bool) {
		if shouldFail {
			return backend.ExecResult{ExitCode: 1, Stderr: "boom"}, true
		}
		return backend.ExecResult{ExitCode: 0}, true
	}

	base := t.TempDir()
	runs, err := store.NewRunStore(base, zerolog.Nop())
	require.NoError(t, err)
	tracker := baseline.NewTracker(base, zerolog.Nop())
	anomalies := baseline.NewAnomalyStore(base, zerolog.Nop())
	r, err := New(Config{
		Backend:   fake,
		Runs:      runs,
		Baselines: tracker,
		Anomalies: anomalies,
		Logger:    zerolog.Nop(),
		PullRetry: fastRetry(3),
	})
	require.NoError(t, err)

	run := func(i int) *schema.RunRecord {
		spec := testSpec("job-base-"+string(rune('a'+i)), schema.CleanupAlwaysRemove, schema.Command{"run-suite"})
		rec, rerr := r.Run(context.Background(), spec, RunOptions{})
		require.NoError(t, rerr)
		return rec
	}

	for i := 0; i < 3; i++ {
		run(i)
	}
	shouldFail = true
	run(3)
	run(4)
	last := run(5)

	// By the sixth run the fingerprint's success rate has dropped to 60%.
	require.Len(t, last.Anomalies, 1)
	assert.Equal(t, schema.AnomalyDegradation, last.Anomalies[0].Type)
	assert.Equal(t, schema.SeverityCritical, last.Anomalies[0].Severity)

	b, ok := tracker.Get(last.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 6, b.Samples)
	assert.Equal(t, 3, b.FailureCount)
}
