// Package schema defines the job and run record data model shared by every
// component: specs, statuses, step results, artifacts, and the persisted
// run record. JSON field names are stable; downstream tooling parses them.
package schema

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusSuccess   JobStatus = "SUCCESS"
	StatusFailed    JobStatus = "FAILED"
	StatusTimedOut  JobStatus = "TIMED_OUT"
	StatusCancelled JobStatus = "CANCELLED"

	// StatusSkipped is produced only by workflow condition gating; a job
	// admitted through the manager never carries it.
	StatusSkipped JobStatus = "SKIPPED"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimedOut, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// CleanupPolicy controls removal of the execution container after the job
// reaches a terminal state.
type CleanupPolicy string

const (
	CleanupAlwaysRemove       CleanupPolicy = "always_remove"
	CleanupRemoveOnCompletion CleanupPolicy = "remove_on_completion"
	CleanupKeepOnCompletion   CleanupPolicy = "keep_on_completion"
	CleanupRemoveOnTimeout    CleanupPolicy = "remove_on_timeout"
	CleanupNeverRemove        CleanupPolicy = "never_remove"
)

// Valid reports whether the policy is one of the known values.
func (p CleanupPolicy) Valid() bool {
	switch p {
	case CleanupAlwaysRemove, CleanupRemoveOnCompletion, CleanupKeepOnCompletion,
		CleanupRemoveOnTimeout, CleanupNeverRemove:
		return true
	}
	return false
}

// ShouldRemove resolves the policy table against the job's terminal status.
func (p CleanupPolicy) ShouldRemove(status JobStatus) bool {
	switch p {
	case CleanupAlwaysRemove:
		return true
	case CleanupRemoveOnCompletion:
		return status == StatusSuccess
	case CleanupRemoveOnTimeout:
		return status == StatusTimedOut
	case CleanupKeepOnCompletion, CleanupNeverRemove:
		return false
	}
	return false
}

// CleanupStatus records the outcome of container teardown.
type CleanupStatus string

const (
	CleanupPending CleanupStatus = "pending"
	CleanupRemoved CleanupStatus = "removed"
	CleanupKept    CleanupStatus = "kept"
	CleanupFailed  CleanupStatus = "failed"
)

// Command is one ordered step of a job in argv form. Execution maps each
// command to a single exec inside the sandbox container.
type Command []string

// JobSpec describes a job submission.
type JobSpec struct {
	JobID         string                 `json:"job_id"`
	WorkspaceID   string                 `json:"workspace_id"`
	Image         string                 `json:"image"`
	Commands      []Command              `json:"commands"`
	Env           map[string]string      `json:"env,omitempty"`
	Artifacts     []string               `json:"artifacts,omitempty"`

	// Network attaches the sandbox to an existing network; the workflow
	// layer sets it when the job depends on service containers.
	Network string `json:"network,omitempty"`

	TTLSeconds    int                    `json:"ttl_seconds"`
	CleanupPolicy CleanupPolicy          `json:"cleanup_policy"`
	TriggeredBy   string                 `json:"triggered_by,omitempty"`
	Intent        string                 `json:"intent,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// jobIDPattern bounds caller-supplied job ids: they become directory names.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidJobID reports whether id is acceptable as a job identifier.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// NewJobID generates a fresh job identifier.
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// Normalize fills generated and defaulted fields in place: a missing job id,
// the default workspace, and the default cleanup policy.
func (s *JobSpec) Normalize() {
	if s.JobID == "" {
		s.JobID = NewJobID()
	}
	if s.WorkspaceID == "" {
		s.WorkspaceID = DefaultWorkspaceID
	}
	if s.CleanupPolicy == "" {
		s.CleanupPolicy = CleanupRemoveOnCompletion
	}
	if s.TriggeredBy == "" {
		s.TriggeredBy = "manual"
	}
}

// Validate checks the spec. Normalize should run first.
func (s *JobSpec) Validate() error {
	if !ValidJobID(s.JobID) {
		return errors.Newf(errors.CodeInvalidParameter, "schema", "invalid job_id %q", s.JobID)
	}
	if s.WorkspaceID == "" {
		return errors.New(errors.CodeMissingParameter, "schema", "workspace_id is required", nil)
	}
	if strings.TrimSpace(s.Image) == "" {
		return errors.New(errors.CodeMissingParameter, "schema", "image is required", nil)
	}
	if len(s.Commands) == 0 {
		return errors.New(errors.CodeValidationFailed, "schema", "commands must not be empty", nil)
	}
	for i, cmd := range s.Commands {
		if len(cmd) == 0 {
			return errors.Newf(errors.CodeValidationFailed, "schema", "command %d is empty", i)
		}
	}
	if s.TTLSeconds <= 0 {
		return errors.Newf(errors.CodeInvalidParameter, "schema", "ttl_seconds must be > 0, got %d", s.TTLSeconds)
	}
	if !s.CleanupPolicy.Valid() {
		return errors.Newf(errors.CodeInvalidParameter, "schema", "unknown cleanup_policy %q", s.CleanupPolicy)
	}
	return nil
}

// StepResult captures the outcome of one executed command.
type StepResult struct {
	Index           int       `json:"index"`
	Command         Command   `json:"command"`
	ExitCode        int       `json:"exit_code"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	DurationSeconds float64   `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// ArtifactMetadata describes one extracted artifact file.
type ArtifactMetadata struct {
	PathInContainer string `json:"path_in_container"`
	LocalPath       string `json:"local_path"`
	SizeBytes       int64  `json:"size_bytes"`
	SHA256          string `json:"sha256"`
	ContentType     string `json:"content_type,omitempty"`
}

// ResourceUsage is the final resource snapshot of the sandbox container.
type ResourceUsage struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPeakMB    float64 `json:"memory_peak_mb"`
	NetRxBytes      int64   `json:"net_rx_bytes"`
	NetTxBytes      int64   `json:"net_tx_bytes"`
	BlockReadBytes  int64   `json:"block_read_bytes"`
	BlockWriteBytes int64   `json:"block_write_bytes"`
}

// EnvironmentCapture snapshots the execution environment with secret-like
// values redacted.
type EnvironmentCapture struct {
	Image       string            `json:"image"`
	ImageDigest string            `json:"image_digest,omitempty"`
	Env         map[string]string `json:"env"`
	CapturedAt  time.Time         `json:"captured_at"`
}

// RunSummary is the human-oriented digest of a completed run.
type RunSummary struct {
	OneLiner    string   `json:"one_liner"`
	KeyEvents   []string `json:"key_events,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// AnomalyType classifies a baseline deviation.
type AnomalyType string

const (
	AnomalyDuration    AnomalyType = "duration"
	AnomalyMemory      AnomalyType = "memory"
	AnomalyFlaky       AnomalyType = "flaky"
	AnomalyDegradation AnomalyType = "success_rate_degradation"
)

// AnomalySeverity grades an anomaly.
type AnomalySeverity string

const (
	SeverityWarning  AnomalySeverity = "WARNING"
	SeverityCritical AnomalySeverity = "CRITICAL"
)

// Anomaly is a detected deviation from a fingerprint's baseline. It is
// attached to the terminating run record and appended to the anomaly stream.
type Anomaly struct {
	AnomalyID        string          `json:"anomaly_id"`
	JobID            string          `json:"job_id"`
	Fingerprint      string          `json:"fingerprint"`
	Type             AnomalyType     `json:"anomaly_type"`
	Severity         AnomalySeverity `json:"severity"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Expected         string          `json:"expected,omitempty"`
	Actual           string          `json:"actual,omitempty"`
	ZScore           float64         `json:"z_score,omitempty"`
	DeviationPercent float64         `json:"deviation_percent,omitempty"`
	DetectedAt       time.Time       `json:"detected_at"`
	Acknowledged     bool            `json:"acknowledged"`
}

// NewAnomalyID generates a fresh anomaly identifier.
func NewAnomalyID() string {
	return "anom-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// RunRecord is the durable record of one job execution. It is created on
// admission, mutated only by the executor that owns the job, and read-only
// after finalization.
type RunRecord struct {
	JobID              string              `json:"job_id"`
	Spec               JobSpec             `json:"spec"`
	Status             JobStatus           `json:"status"`
	CreatedAt          time.Time           `json:"created_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty"`
	Fingerprint        string              `json:"fingerprint"`
	Steps              []StepResult        `json:"steps"`
	Artifacts          []ArtifactMetadata  `json:"artifacts"`
	ResourceUsage      *ResourceUsage      `json:"resource_usage,omitempty"`
	EnvironmentCapture *EnvironmentCapture `json:"environment_capture,omitempty"`
	CleanupStatus      CleanupStatus       `json:"cleanup_status"`
	Error              string              `json:"error,omitempty"`
	Summary            *RunSummary         `json:"summary,omitempty"`
	Anomalies          []Anomaly           `json:"anomalies,omitempty"`
	Warnings           []string            `json:"warnings,omitempty"`
}

// NewRunRecord builds the initial QUEUED record for a spec.
func NewRunRecord(spec JobSpec) *RunRecord {
	return &RunRecord{
		JobID:         spec.JobID,
		Spec:          spec,
		Status:        StatusQueued,
		CreatedAt:     time.Now().UTC(),
		Fingerprint:   Fingerprint(spec.Image, spec.Commands),
		Steps:         []StepResult{},
		Artifacts:     []ArtifactMetadata{},
		CleanupStatus: CleanupPending,
	}
}

// Duration returns the wall-clock run time, zero until both timestamps are
// set.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// DefaultWorkspaceID is the always-present workspace every unscoped job
// lands in.
const DefaultWorkspaceID = "ws_default"
