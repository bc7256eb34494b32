package workflow

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/backend"
	"github.com/orcaops/orcaops/pkg/domain/errors"
)

// Service containers carry these labels so orphans can be traced back to
// their workflow.
const (
	workflowIDLabel  = "orcaops.workflow_id"
	serviceNameLabel = "orcaops.service"
)

const (
	defaultReadinessDelay = 2 * time.Second
	defaultHealthBackoff  = 500 * time.Millisecond
	defaultHealthWall     = 60 * time.Second
	maxHealthAttempts     = 8

	serviceStopGrace    = 5 * time.Second
	serviceStopDeadline = 30 * time.Second
)

// ServiceManagerConfig configures a ServiceManager. Zero durations take
// defaults; Probe defaults to a TCP dial and exists so tests can stub
// network reachability.
type ServiceManagerConfig struct {
	Backend        backend.ContainerBackend
	Logger         zerolog.Logger
	ReadinessDelay time.Duration
	HealthBackoff  time.Duration
	HealthWall     time.Duration
	Probe          func(ctx context.Context, host string, port int) error
}

// ServiceManager starts and tears down the dependency containers of a
// workflow job: one network per job, one container per service, each
// gated on readiness before the job itself runs.
type ServiceManager struct {
	backend        backend.ContainerBackend
	logger         zerolog.Logger
	readinessDelay time.Duration
	healthBackoff  time.Duration
	healthWall     time.Duration
	probe          func(ctx context.Context, host string, port int) error
}

// RunningServices is the live service set backing one workflow job.
type RunningServices struct {
	// Network is the per-job network the job container must join.
	Network string

	// ContainerIDs maps service alias to container id.
	ContainerIDs map[string]string

	// Env holds the generated {ALIAS}_HOST / {ALIAS}_PORT variables.
	Env map[string]string
}

// NewServiceManager validates the config and builds a ServiceManager.
func NewServiceManager(cfg ServiceManagerConfig) (*ServiceManager, error) {
	if cfg.Backend == nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "workflow", "service manager requires a backend", nil)
	}
	m := &ServiceManager{
		backend:        cfg.Backend,
		logger:         cfg.Logger.With().Str("component", "service_manager").Logger(),
		readinessDelay: cfg.ReadinessDelay,
		healthBackoff:  cfg.HealthBackoff,
		healthWall:     cfg.HealthWall,
		probe:          cfg.Probe,
	}
	if m.readinessDelay <= 0 {
		m.readinessDelay = defaultReadinessDelay
	}
	if m.healthBackoff <= 0 {
		m.healthBackoff = defaultHealthBackoff
	}
	if m.healthWall <= 0 {
		m.healthWall = defaultHealthWall
	}
	if m.probe == nil {
		m.probe = dialProbe
	}
	return m, nil
}

// Start creates the job network, launches every service on it, injects
// the connection env, and gates on readiness. jobName must be unique
// within the workflow; matrix variants pass their variant name. On any
// failure the partial set is torn down before returning.
func (m *ServiceManager) Start(ctx context.Context, workflowID, jobName string, services ServiceSet) (*RunningServices, error) {
	netName := sanitizeName("orcaops-" + workflowID + "-" + jobName)
	if _, err := m.backend.CreateNetwork(ctx, netName); err != nil {
		return nil, errors.New(errors.CodeWorkflowFailed, "workflow", fmt.Sprintf("failed to create network %s", netName), err)
	}

	rs := &RunningServices{
		Network:      netName,
		ContainerIDs: map[string]string{},
		Env:          map[string]string{},
	}

	aliases := make([]string, 0, len(services))
	for alias := range services {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		svc := services[alias]
		hostname, err := m.launch(ctx, workflowID, jobName, alias, svc, netName, rs)
		if err != nil {
			m.Stop(rs)
			return nil, err
		}

		envKey := strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
		rs.Env[envKey+"_HOST"] = hostname
		if port := servicePort(svc); port > 0 {
			rs.Env[envKey+"_PORT"] = strconv.Itoa(port)
		}
	}

	for _, alias := range aliases {
		if err := m.awaitReady(ctx, rs, alias, services[alias]); err != nil {
			m.Stop(rs)
			return nil, err
		}
	}
	return rs, nil
}

// launch pulls, creates and starts one service container. The container
// name doubles as its DNS hostname on the job network.
func (m *ServiceManager) launch(ctx context.Context, workflowID, jobName, alias string, svc *Service, netName string, rs *RunningServices) (string, error) {
	if err := m.backend.Pull(ctx, svc.Image); err != nil {
		return "", errors.New(errors.CodeImagePullFailed, "workflow", fmt.Sprintf("failed to pull service image %s", svc.Image), err)
	}

	hostname := sanitizeHostname("orcaops-svc-" + workflowID + "-" + jobName + "-" + alias)
	id, err := m.backend.Create(ctx, backend.CreateOptions{
		Image:   svc.Image,
		Name:    hostname,
		Env:     svc.Env,
		Network: netName,
		Labels: map[string]string{
			workflowIDLabel:  workflowID,
			serviceNameLabel: alias,
		},
	})
	if err != nil {
		return "", errors.New(errors.CodeContainerStartFailed, "workflow", fmt.Sprintf("failed to create service %s", alias), err)
	}
	rs.ContainerIDs[alias] = id

	if err := m.backend.Start(ctx, id); err != nil {
		return "", errors.New(errors.CodeContainerStartFailed, "workflow", fmt.Sprintf("failed to start service %s", alias), err)
	}
	m.logger.Info().
		Str("workflow_id", workflowID).
		Str("service", alias).
		Str("image", svc.Image).
		Str("hostname", hostname).
		Msg("Service container started")
	return hostname, nil
}

// awaitReady gates one service: an exec'd health check when defined,
// a TCP probe when a port is known, a fixed delay otherwise.
func (m *ServiceManager) awaitReady(ctx context.Context, rs *RunningServices, alias string, svc *Service) error {
	switch {
	case len(svc.HealthCheck) > 0:
		return m.waitHealthy(ctx, alias, func(ctx context.Context) error {
			res, err := m.backend.Exec(ctx, rs.ContainerIDs[alias], svc.HealthCheck)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return errors.Newf(errors.CodeExecFailed, "workflow", "health check exited %d", res.ExitCode)
			}
			return nil
		})
	case servicePort(svc) > 0:
		envKey := strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
		host := rs.Env[envKey+"_HOST"]
		port := servicePort(svc)
		return m.waitHealthy(ctx, alias, func(ctx context.Context) error {
			return m.probe(ctx, host, port)
		})
	default:
		select {
		case <-time.After(m.readinessDelay):
			return nil
		case <-ctx.Done():
			return errors.New(errors.CodeCancelled, "workflow", "cancelled while waiting for service "+alias, ctx.Err())
		}
	}
}

// waitHealthy retries check with doubling backoff until it passes, the
// attempt or wall-clock budget runs out, or the context dies.
func (m *ServiceManager) waitHealthy(ctx context.Context, alias string, check func(ctx context.Context) error) error {
	deadline := time.Now().Add(m.healthWall)
	backoff := m.healthBackoff

	var lastErr error
	for attempt := 1; attempt <= maxHealthAttempts; attempt++ {
		lastErr = check(ctx)
		if lastErr == nil {
			m.logger.Debug().Str("service", alias).Int("attempts", attempt).Msg("Service ready")
			return nil
		}
		if attempt == maxHealthAttempts || time.Now().Add(backoff).After(deadline) {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.New(errors.CodeCancelled, "workflow", "cancelled while waiting for service "+alias, ctx.Err())
		}
		backoff *= 2
	}
	return errors.New(errors.CodeTimeoutError, "workflow", fmt.Sprintf("service %s did not become ready", alias), lastErr)
}

// Stop tears everything down best-effort. It runs on its own deadline so
// cleanup still happens when the workflow context is already dead.
func (m *ServiceManager) Stop(rs *RunningServices) {
	if rs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), serviceStopDeadline)
	defer cancel()

	aliases := make([]string, 0, len(rs.ContainerIDs))
	for alias := range rs.ContainerIDs {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		id := rs.ContainerIDs[alias]
		if err := m.backend.Stop(ctx, id, serviceStopGrace); err != nil {
			m.logger.Warn().Err(err).Str("service", alias).Msg("Failed to stop service container")
		}
		if err := m.backend.Remove(ctx, id, true); err != nil {
			m.logger.Warn().Err(err).Str("service", alias).Msg("Failed to remove service container")
		}
	}
	if rs.Network != "" {
		if err := m.backend.RemoveNetwork(ctx, rs.Network); err != nil {
			m.logger.Warn().Err(err).Str("network", rs.Network).Msg("Failed to remove service network")
		}
	}
}

// servicePort is the declared port, falling back to the well-known port
// of the image.
func servicePort(svc *Service) int {
	if svc.Port > 0 {
		return svc.Port
	}
	return wellKnownPorts[strings.ToLower(serviceAlias(svc.Image))]
}

var wellKnownPorts = map[string]int{
	"postgres":      5432,
	"mysql":         3306,
	"mariadb":       3306,
	"redis":         6379,
	"mongo":         27017,
	"mongodb":       27017,
	"rabbitmq":      5672,
	"elasticsearch": 9200,
	"memcached":     11211,
	"nginx":         80,
}

func dialProbe(ctx context.Context, host string, port int) error {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// sanitizeName makes a string usable as a docker object name.
func sanitizeName(s string) string {
	return strings.Trim(unsafeNameChars.ReplaceAllString(s, "-"), "-.")
}

// sanitizeHostname additionally folds underscores; service container
// names double as DNS hostnames.
func sanitizeHostname(s string) string {
	return strings.ReplaceAll(sanitizeName(s), "_", "-")
}
