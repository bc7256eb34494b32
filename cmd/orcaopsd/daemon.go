package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/backend"
	"github.com/orcaops/orcaops/pkg/baseline"
	"github.com/orcaops/orcaops/pkg/config"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/manager"
	"github.com/orcaops/orcaops/pkg/metrics"
	"github.com/orcaops/orcaops/pkg/policy"
	"github.com/orcaops/orcaops/pkg/quota"
	"github.com/orcaops/orcaops/pkg/runner"
	"github.com/orcaops/orcaops/pkg/store"
	"github.com/orcaops/orcaops/pkg/workflow"
	"github.com/orcaops/orcaops/pkg/workspace"
)

const (
	lockFileName    = "orcaopsd.lock"
	backendPingWait = 10 * time.Second
	janitorInterval = 6 * time.Hour
	shutdownWait    = 30 * time.Second
)

// daemon is the composition root. Every component is wired exactly once
// here; Close tears them down in reverse order.
type daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	lock       lockfile.Lockfile
	runs       *store.RunStore
	flows      *store.WorkflowStore
	auditLog   *audit.Logger
	workspaces *workspace.Registry
	sessions   *workspace.SessionManager
	keys       *workspace.KeyManager
	policies   *policy.Engine
	quotas     *quota.Tracker
	collectors *metrics.Collectors
	baselines  *baseline.Tracker
	anomalies  *baseline.AnomalyStore
	backend    backend.ContainerBackend
	jobs       *manager.JobManager
	services   *workflow.ServiceManager
	flowMgr    *workflow.Manager

	// cancel stops the janitor and the policy file watcher.
	cancel context.CancelFunc
}

// newDaemon wires all components from the configuration. It takes the
// single-instance lock on the base directory and probes the container
// backend unless ORCAOPS_SKIP_BACKEND_INIT is set.
func newDaemon(cfg *config.Config, logger zerolog.Logger) (*daemon, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "daemon", "failed to create base directory", err)
	}

	lockPath, err := filepath.Abs(filepath.Join(cfg.BaseDir, lockFileName))
	if err != nil {
		return nil, errors.New(errors.CodeIoError, "daemon", "failed to resolve lock path", err)
	}
	lock, err := lockfile.New(lockPath)
	if err != nil {
		return nil, errors.New(errors.CodeInternalError, "daemon", "failed to create lock file handle", err)
	}
	if err := lock.TryLock(); err != nil {
		return nil, errors.New(errors.CodeInvalidState, "daemon",
			"another orcaopsd instance holds the base directory lock", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{cfg: cfg, logger: logger, lock: lock, cancel: cancel}

	if err := d.wire(ctx); err != nil {
		cancel()
		_ = lock.Unlock()
		return nil, err
	}
	return d, nil
}

func (d *daemon) wire(ctx context.Context) error {
	cfg, logger := d.cfg, d.logger

	runs, err := store.NewRunStore(cfg.BaseDir, logger)
	if err != nil {
		return err
	}
	flows, err := store.NewWorkflowStore(cfg.BaseDir, logger)
	if err != nil {
		return err
	}
	auditLog, err := audit.NewLogger(cfg.BaseDir, logger)
	if err != nil {
		return err
	}
	workspaces, err := workspace.NewRegistry(cfg.BaseDir, auditLog, logger)
	if err != nil {
		return err
	}
	sessions, err := workspace.NewSessionManager(cfg.BaseDir, cfg.SessionTTL, auditLog, logger)
	if err != nil {
		return err
	}
	keys := workspace.NewKeyManager(cfg.BaseDir, auditLog, logger)

	registry := prometheus.NewRegistry()
	quotas := quota.NewTracker(registry, logger)
	collectors := metrics.NewCollectors(registry)

	policies := policy.NewEngine(policy.SecurityPolicy{}, auditLog, logger)
	if cfg.PolicyFile != "" {
		reloader := policy.NewReloader(cfg.PolicyFile, policies, logger)
		if err := reloader.Start(ctx); err != nil {
			return err
		}
	}

	baselines := baseline.NewTracker(cfg.BaseDir, logger)
	anomalies := baseline.NewAnomalyStore(cfg.BaseDir, logger)

	dockerBackend := backend.NewDockerBackend(backend.NewExecCommandRunner(logger), cfg.DockerBin, logger)
	if !cfg.SkipBackendInit {
		pingCtx, cancel := context.WithTimeout(ctx, backendPingWait)
		err := dockerBackend.Ping(pingCtx)
		cancel()
		if err != nil {
			return errors.New(errors.CodeBackendUnavailable, "daemon", "container backend is not reachable", err)
		}
	}

	jobRunner, err := runner.New(runner.Config{
		Backend:   dockerBackend,
		Runs:      runs,
		Policy:    policies,
		Baselines: baselines,
		Anomalies: anomalies,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	jobs, err := manager.NewJobManager(manager.Config{
		Runner:             jobRunner,
		Runs:               runs,
		Policy:             policies,
		Quota:              quotas,
		Workspaces:         workspaces,
		Audit:              auditLog,
		Metrics:            collectors,
		Logger:             logger,
		MaxFinishedEntries: cfg.RegistryCap,
	})
	if err != nil {
		return err
	}

	services, err := workflow.NewServiceManager(workflow.ServiceManagerConfig{
		Backend: dockerBackend,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	flowRunner, err := workflow.NewRunner(workflow.RunnerConfig{
		Jobs:        jobs,
		Services:    services,
		Logger:      logger,
		MaxParallel: cfg.WorkflowParallelism,
	})
	if err != nil {
		return err
	}
	flowMgr, err := workflow.NewManager(workflow.ManagerConfig{
		Runner:             flowRunner,
		Store:              flows,
		Audit:              auditLog,
		Metrics:            collectors,
		Logger:             logger,
		MaxFinishedEntries: cfg.RegistryCap,
	})
	if err != nil {
		return err
	}

	d.runs = runs
	d.flows = flows
	d.auditLog = auditLog
	d.workspaces = workspaces
	d.sessions = sessions
	d.keys = keys
	d.policies = policies
	d.quotas = quotas
	d.collectors = collectors
	d.baselines = baselines
	d.anomalies = anomalies
	d.backend = dockerBackend
	d.jobs = jobs
	d.services = services
	d.flowMgr = flowMgr

	if cfg.RetentionDays > 0 {
		go d.janitor(ctx)
	}
	return nil
}

// reconcile marks runs and workflows stranded by a previous process.
func (d *daemon) reconcile() (int, int, error) {
	orphanedJobs, err := d.jobs.Reconcile()
	if err != nil {
		return 0, 0, err
	}
	orphanedFlows, err := d.flowMgr.Reconcile()
	if err != nil {
		return orphanedJobs, 0, err
	}
	return orphanedJobs, orphanedFlows, nil
}

// Close drains both managers and releases the instance lock.
func (d *daemon) Close(ctx context.Context) {
	if err := d.flowMgr.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Workflow manager shutdown incomplete")
	}
	if err := d.jobs.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Job manager shutdown incomplete")
	}
	d.cancel()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to release instance lock")
	}
}

// janitor periodically applies the retention policy to runs, audit files,
// anomaly files and idle sessions.
func (d *daemon) janitor(ctx context.Context) {
	log := d.logger.With().Str("component", "janitor").Logger()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		d.sweep(log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *daemon) sweep(log zerolog.Logger) {
	days := d.cfg.RetentionDays

	removedRuns, err := d.runs.Cleanup(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("Run retention sweep failed")
	}
	removedAudit, err := d.auditLog.Cleanup(days)
	if err != nil {
		log.Warn().Err(err).Msg("Audit retention sweep failed")
	}
	removedAnomalies, err := d.anomalies.Cleanup(days)
	if err != nil {
		log.Warn().Err(err).Msg("Anomaly retention sweep failed")
	}
	expiredSessions := d.sessions.ExpireIdle()

	log.Info().
		Int("runs", removedRuns).
		Int("audit_files", removedAudit).
		Int("anomalies", removedAnomalies).
		Int("sessions", expiredSessions).
		Msg("Retention sweep complete")
}
