// Package runner executes a single job inside a sandbox container. It
// owns the container lifecycle end to end: image pull, hardened create,
// fail-fast command execution under a TTL watchdog, artifact extraction,
// observability, and policy-driven cleanup. The product is the durable
// RunRecord.
package runner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/backend"
	"github.com/orcaops/orcaops/pkg/baseline"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/loganalysis"
	"github.com/orcaops/orcaops/pkg/policy"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

const defaultStopGrace = 10 * time.Second

// Config wires the runner's collaborators. Backend and Runs are required;
// the rest degrade gracefully when absent.
type Config struct {
	Backend   backend.ContainerBackend
	Runs      *store.RunStore
	Policy    *policy.Engine
	Baselines *baseline.Tracker
	Anomalies *baseline.AnomalyStore
	Logger    zerolog.Logger

	// StopGrace is granted to a container between the graceful stop and
	// the kill. Zero selects the default.
	StopGrace time.Duration

	// PullRetry overrides the image pull retry policy.
	PullRetry *RetryPolicy

	// SecretEnvPattern overrides the env-name pattern redacted from the
	// environment capture.
	SecretEnvPattern string
}

// Runner executes jobs against a container backend.
type Runner struct {
	backend    backend.ContainerBackend
	runs       *store.RunStore
	policy     *policy.Engine
	baselines  *baseline.Tracker
	anomalies  *baseline.AnomalyStore
	summaries  *loganalysis.SummaryGenerator
	pullRetry  *RetryPolicy
	stopGrace  time.Duration
	secretKeys *regexp.Regexp
	logger     zerolog.Logger
}

// New creates a runner from the config.
func New(cfg Config) (*Runner, error) {
	if cfg.Backend == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "runner", "container backend is required", nil)
	}
	if cfg.Runs == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "runner", "run store is required", nil)
	}

	pattern := cfg.SecretEnvPattern
	if pattern == "" {
		pattern = defaultSecretEnvPattern
	}
	secretKeys, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "runner", "invalid secret env pattern", err)
	}

	stopGrace := cfg.StopGrace
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	pullRetry := cfg.PullRetry
	if pullRetry == nil {
		pullRetry = DefaultPullRetry()
	}

	return &Runner{
		backend:    cfg.Backend,
		runs:       cfg.Runs,
		policy:     cfg.Policy,
		baselines:  cfg.Baselines,
		anomalies:  cfg.Anomalies,
		summaries:  loganalysis.NewSummaryGenerator(),
		pullRetry:  pullRetry,
		stopGrace:  stopGrace,
		secretKeys: secretKeys,
		logger:     cfg.Logger.With().Str("component", "job_runner").Logger(),
	}, nil
}

// RunOptions carries per-run context from the layers above the runner.
type RunOptions struct {
	// Workspace supplies resource caps and the artifact size cap. Nil
	// runs with defaults.
	Workspace *schema.Workspace

	// Network attaches the sandbox to a service network.
	Network string

	// ExtraEnv is merged over the spec env. The workflow layer uses it
	// for service endpoints.
	ExtraEnv map[string]string
}

// Run executes the spec to a terminal RunRecord. The record is non-nil
// whenever the initial persist succeeded; command failures and timeouts
// are recorded on it, not returned as errors.
func (r *Runner) Run(ctx context.Context, spec schema.JobSpec, opts RunOptions) (*schema.RunRecord, error) {
	spec.Normalize()
	log := r.logger.With().Str("job_id", spec.JobID).Logger()

	rec := schema.NewRunRecord(spec)
	if err := r.runs.Put(rec); err != nil {
		return nil, err
	}
	log.Info().Str("image", spec.Image).Int("commands", len(spec.Commands)).Msg("Run admitted")

	started := time.Now().UTC()
	rec.StartedAt = &started
	rec.Status = schema.StatusRunning
	if err := r.runs.Put(rec); err != nil {
		log.Warn().Err(err).Msg("Running checkpoint persist failed")
	}

	containerID, perr := r.prepare(ctx, rec, opts, log)
	if perr != nil {
		r.markPrepareFailure(ctx, rec, perr, log)
	} else {
		r.runCommands(ctx, rec, containerID, log)
		r.collectArtifacts(ctx, rec, containerID, artifactCapMB(opts.Workspace), log)
	}

	r.observe(ctx, rec, containerID, log)
	r.cleanup(rec, containerID, log)

	if err := r.runs.Put(rec); err != nil {
		log.Error().Err(err).Msg("Terminal run record persist failed")
		return rec, err
	}
	log.Info().
		Str("status", string(rec.Status)).
		Float64("duration_seconds", rec.Duration().Seconds()).
		Str("cleanup_status", string(rec.CleanupStatus)).
		Msg("Run finished")
	return rec, nil
}

// prepare pulls the image and creates and starts the hardened sandbox.
// The returned container id may be non-empty alongside an error when the
// container was created but could not start; cleanup still applies to it.
func (r *Runner) prepare(ctx context.Context, rec *schema.RunRecord, opts RunOptions, log zerolog.Logger) (string, error) {
	retry := *r.pullRetry
	retry.OnRetry = func(attempt int, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Str("image", rec.Spec.Image).Msg("Image pull failed, retrying")
	}
	if err := retry.Execute(ctx, func() error { return r.backend.Pull(ctx, rec.Spec.Image) }); err != nil {
		return "", err
	}

	env := make(map[string]string, len(rec.Spec.Env)+len(opts.ExtraEnv))
	for k, v := range rec.Spec.Env {
		env[k] = v
	}
	for k, v := range opts.ExtraEnv {
		env[k] = v
	}

	security := backend.SecurityOpts{DropAllCapabilities: true, NoNewPrivileges: true}
	if r.policy != nil {
		security = r.policy.SecurityOpts(opts.Workspace)
	}

	network := rec.Spec.Network
	if opts.Network != "" {
		network = opts.Network
	}

	containerID, err := r.backend.Create(ctx, backend.CreateOptions{
		Image: rec.Spec.Image,
		Name:  "orcaops-job-" + rec.JobID,
		Env:   env,
		Labels: map[string]string{
			backend.JobIDLabel:     rec.JobID,
			"orcaops.workspace_id": rec.Spec.WorkspaceID,
			"orcaops.ttl":          strconv.Itoa(rec.Spec.TTLSeconds),
			"orcaops.created_at":   strconv.FormatInt(rec.CreatedAt.Unix(), 10),
		},
		Network:  network,
		Security: security,
		Caps:     resourceCaps(opts.Workspace),
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("container_id", containerID).Msg("Sandbox created")

	if err := r.backend.Start(ctx, containerID); err != nil {
		return containerID, err
	}

	digest, err := r.backend.ImageDigest(ctx, rec.Spec.Image)
	if err != nil {
		log.Debug().Err(err).Msg("Image digest unavailable")
	}
	rec.EnvironmentCapture = captureEnvironment(rec.Spec.Image, digest, env, r.secretKeys)
	return containerID, nil
}

func (r *Runner) markPrepareFailure(ctx context.Context, rec *schema.RunRecord, err error, log zerolog.Logger) {
	now := time.Now().UTC()
	rec.FinishedAt = &now
	if ctx.Err() != nil || errors.HasCode(err, errors.CodeCancelled) {
		rec.Status = schema.StatusCancelled
		rec.Error = "job cancelled"
		log.Warn().Msg("Job cancelled before execution")
		return
	}
	rec.Status = schema.StatusFailed
	rec.Error = err.Error()
	log.Error().Err(err).Msg("Sandbox preparation failed")
}

// runCommands executes the spec's commands in order, fail-fast, under the
// job TTL. A watchdog stops the container when the TTL or an external
// cancel fires mid-exec so the exec returns instead of hanging.
func (r *Runner) runCommands(ctx context.Context, rec *schema.RunRecord, containerID string, log zerolog.Logger) {
	ttl := time.Duration(rec.Spec.TTLSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	watchdogDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-runCtx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), r.stopGrace+10*time.Second)
			defer stopCancel()
			if err := r.backend.Stop(stopCtx, containerID, r.stopGrace); err != nil {
				log.Warn().Err(err).Msg("Watchdog stop failed")
			}
		case <-watchdogDone:
		}
	}()
	defer func() {
		close(watchdogDone)
		wg.Wait()
	}()

	for i, cmd := range rec.Spec.Commands {
		if runCtx.Err() != nil {
			r.markInterrupted(ctx, rec, log)
			return
		}

		stepStart := time.Now().UTC()
		res, execErr := r.backend.Exec(runCtx, containerID, cmd)
		stepFinish := time.Now().UTC()

		step := schema.StepResult{
			Index:           i,
			Command:         cmd,
			ExitCode:        res.ExitCode,
			Stdout:          res.Stdout,
			Stderr:          res.Stderr,
			DurationSeconds: stepFinish.Sub(stepStart).Seconds(),
			StartedAt:       stepStart,
			FinishedAt:      stepFinish,
		}

		interrupted := runCtx.Err() != nil
		switch {
		case interrupted && ctx.Err() != nil:
			step.Stderr += "\ncommand interrupted: job cancelled"
		case interrupted:
			step.Stderr += "\ncommand interrupted: job ttl exceeded"
		case execErr != nil:
			if step.ExitCode == 0 {
				step.ExitCode = -1
			}
			step.Stderr += "\nexecution error: " + execErr.Error()
		}

		rec.Steps = append(rec.Steps, step)
		if err := r.runs.AppendStep(rec.JobID, step); err != nil {
			log.Warn().Err(err).Int("step", i).Msg("Step append failed")
		}

		if interrupted {
			r.markInterrupted(ctx, rec, log)
			return
		}
		if execErr != nil {
			rec.Status = schema.StatusFailed
			rec.Error = execErr.Error()
			r.finishCommands(rec)
			log.Error().Err(execErr).Int("step", i).Msg("Step execution failed")
			return
		}
		if res.ExitCode != 0 {
			rec.Status = schema.StatusFailed
			rec.Error = fmt.Sprintf("step %d exited with code %d", i, res.ExitCode)
			r.finishCommands(rec)
			log.Warn().Int("step", i).Int("exit_code", res.ExitCode).Msg("Step failed, stopping")
			return
		}
		log.Info().Int("step", i).Float64("duration_seconds", step.DurationSeconds).Msg("Step completed")
	}

	rec.Status = schema.StatusSuccess
	r.finishCommands(rec)
}

func (r *Runner) markInterrupted(ctx context.Context, rec *schema.RunRecord, log zerolog.Logger) {
	if ctx.Err() != nil {
		rec.Status = schema.StatusCancelled
		rec.Error = "job cancelled"
		log.Warn().Msg("Job cancelled")
	} else {
		rec.Status = schema.StatusTimedOut
		rec.Error = fmt.Sprintf("job exceeded ttl of %d seconds", rec.Spec.TTLSeconds)
		log.Warn().Int("ttl_seconds", rec.Spec.TTLSeconds).Msg("Job timed out")
	}
	r.finishCommands(rec)
}

// finishCommands stamps the execution end. Artifact and cleanup time does
// not count toward the run duration.
func (r *Runner) finishCommands(rec *schema.RunRecord) {
	now := time.Now().UTC()
	rec.FinishedAt = &now
}

// observe attaches the final resource snapshot, folds the run into the
// baseline, and generates the summary. Every failure here logs and omits;
// the terminal status is never altered.
func (r *Runner) observe(ctx context.Context, rec *schema.RunRecord, containerID string, log zerolog.Logger) {
	if containerID != "" {
		snap, err := r.backend.Stats(ctx, containerID)
		if err != nil {
			log.Debug().Err(err).Msg("Resource snapshot unavailable")
		} else {
			rec.ResourceUsage = &schema.ResourceUsage{
				CPUPercent:      snap.CPUPercent,
				MemoryPeakMB:    snap.MemoryMB,
				NetRxBytes:      snap.NetRxBytes,
				NetTxBytes:      snap.NetTxBytes,
				BlockReadBytes:  snap.BlockReadBytes,
				BlockWriteBytes: snap.BlockWriteBytes,
			}
		}
	}

	if r.baselines != nil {
		anomalies, err := r.baselines.Update(rec)
		if err != nil {
			log.Warn().Err(err).Msg("Baseline update failed")
		}
		if len(anomalies) > 0 {
			rec.Anomalies = append(rec.Anomalies, anomalies...)
			for _, a := range anomalies {
				log.Warn().
					Str("anomaly_type", string(a.Type)).
					Str("severity", string(a.Severity)).
					Str("fingerprint", a.Fingerprint).
					Msg(a.Title)
			}
			if r.anomalies != nil {
				if err := r.anomalies.Store(anomalies...); err != nil {
					log.Warn().Err(err).Msg("Anomaly persist failed")
				}
			}
		}
	}

	summary := r.summaries.Generate(rec)
	rec.Summary = &summary
}

// cleanup applies the spec's cleanup policy and sweeps for containers
// leaked past it. Cleanup failures set cleanup_status, never the job
// status, and cleanup outlives job cancellation.
func (r *Runner) cleanup(rec *schema.RunRecord, containerID string, log zerolog.Logger) {
	if containerID == "" {
		rec.CleanupStatus = schema.CleanupRemoved
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.stopGrace+30*time.Second)
	defer cancel()

	if !rec.Spec.CleanupPolicy.ShouldRemove(rec.Status) {
		rec.CleanupStatus = schema.CleanupKept
		log.Info().
			Str("container_id", containerID).
			Str("cleanup_policy", string(rec.Spec.CleanupPolicy)).
			Msg("Sandbox kept")
		return
	}

	if r.removeContainers(ctx, rec.JobID, containerID, log) {
		rec.CleanupStatus = schema.CleanupRemoved
	} else {
		rec.CleanupStatus = schema.CleanupFailed
	}
}

// removeContainers stops and removes the job's container, then sweeps any
// container still wearing the job label. Reports whether everything is
// verifiably gone.
func (r *Runner) removeContainers(ctx context.Context, jobID, containerID string, log zerolog.Logger) bool {
	if err := r.backend.Stop(ctx, containerID, r.stopGrace); err != nil {
		log.Debug().Err(err).Msg("Stop before remove failed")
	}
	if err := r.backend.Remove(ctx, containerID, true); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("Container remove failed")
	}

	leaked, err := r.backend.ListContainers(ctx, backend.JobIDLabel+"="+jobID)
	if err != nil {
		log.Warn().Err(err).Msg("Leak check failed")
		return false
	}
	clean := true
	for _, ctr := range leaked {
		log.Warn().Str("container_id", ctr.ID).Msg("Removing container leaked past cleanup")
		if rmErr := r.backend.Remove(ctx, ctr.ID, true); rmErr != nil {
			log.Error().Err(rmErr).Str("container_id", ctr.ID).Msg("Leaked container remove failed")
			clean = false
		}
	}
	return clean
}

func resourceCaps(ws *schema.Workspace) backend.ResourceCaps {
	if ws == nil {
		return backend.ResourceCaps{}
	}
	return backend.ResourceCaps{
		CPUs:     ws.Limits.MaxCPUPerJob,
		MemoryMB: ws.Limits.MaxMemoryPerJobMB,
	}
}

func artifactCapMB(ws *schema.Workspace) int {
	if ws == nil {
		return schema.DefaultWorkspaceLimits().MaxArtifactsSizeMB
	}
	return ws.Limits.MaxArtifactsSizeMB
}
