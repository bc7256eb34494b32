package schema

import (
	"encoding/hex"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

// OwnerType identifies what kind of principal owns a workspace.
type OwnerType string

const (
	OwnerUser    OwnerType = "user"
	OwnerTeam    OwnerType = "team"
	OwnerAIAgent OwnerType = "ai-agent"
)

// WorkspaceStatus is the lifecycle state of a workspace. Suspended
// workspaces are denied admission; archived ones are hidden from listings
// by default.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceSuspended WorkspaceStatus = "suspended"
	WorkspaceArchived  WorkspaceStatus = "archived"
)

// WorkspaceLimits caps the resources a workspace may consume.
type WorkspaceLimits struct {
	MaxConcurrentJobs      int     `json:"max_concurrent_jobs"`
	MaxConcurrentSandboxes int     `json:"max_concurrent_sandboxes"`
	MaxJobDurationSeconds  int     `json:"max_job_duration_seconds"`
	MaxCPUPerJob           float64 `json:"max_cpu_per_job"`
	MaxMemoryPerJobMB      int     `json:"max_memory_per_job_mb"`
	MaxArtifactsSizeMB     int     `json:"max_artifacts_size_mb"`
	DailyJobLimit          *int    `json:"daily_job_limit,omitempty"`
}

// DefaultWorkspaceLimits returns the limits applied to new workspaces.
func DefaultWorkspaceLimits() WorkspaceLimits {
	return WorkspaceLimits{
		MaxConcurrentJobs:      10,
		MaxConcurrentSandboxes: 5,
		MaxJobDurationSeconds:  3600,
		MaxCPUPerJob:           4,
		MaxMemoryPerJobMB:      8192,
		MaxArtifactsSizeMB:     1024,
	}
}

// WorkspaceSettings holds per-workspace behavior knobs.
type WorkspaceSettings struct {
	DefaultCleanupPolicy CleanupPolicy `json:"default_cleanup_policy"`
	AllowedImages        []string      `json:"allowed_images"`
	BlockedImages        []string      `json:"blocked_images"`
	MaxJobTimeout        int           `json:"max_job_timeout"`
	RetentionDays        int           `json:"retention_days"`
	ReadOnlyRootfs       bool          `json:"readonly_rootfs"`
}

// DefaultWorkspaceSettings returns the settings applied to new workspaces.
func DefaultWorkspaceSettings() WorkspaceSettings {
	return WorkspaceSettings{
		DefaultCleanupPolicy: CleanupRemoveOnCompletion,
		AllowedImages:        []string{},
		BlockedImages:        []string{},
		MaxJobTimeout:        3600,
		RetentionDays:        30,
	}
}

var (
	workspaceIDPattern   = regexp.MustCompile(`^ws_[A-Za-z0-9]+$`)
	workspaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidWorkspaceID reports whether id matches the ws_<alphanumeric> form.
func ValidWorkspaceID(id string) bool {
	return workspaceIDPattern.MatchString(id)
}

// NewWorkspaceID generates a fresh workspace identifier.
func NewWorkspaceID() string {
	id := uuid.New()
	return "ws_" + hex.EncodeToString(id[:8])
}

// Workspace is a tenant boundary: jobs, quotas, policies, keys and
// sessions all attach to one.
type Workspace struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	OwnerType OwnerType         `json:"owner_type"`
	OwnerID   string            `json:"owner_id"`
	Settings  WorkspaceSettings `json:"settings"`
	Limits    WorkspaceLimits   `json:"limits"`
	Status    WorkspaceStatus   `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewWorkspace builds an active workspace with default settings and
// limits. An empty id gets a generated one.
func NewWorkspace(id, name string, ownerType OwnerType, ownerID string) *Workspace {
	if id == "" {
		id = NewWorkspaceID()
	}
	now := time.Now().UTC()
	return &Workspace{
		ID:        id,
		Name:      name,
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Settings:  DefaultWorkspaceSettings(),
		Limits:    DefaultWorkspaceLimits(),
		Status:    WorkspaceActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks identifier and name shape.
func (w *Workspace) Validate() error {
	if !ValidWorkspaceID(w.ID) {
		return errors.Newf(errors.CodeValidationFailed, "schema", "workspace id must start with ws_ and be alphanumeric: %q", w.ID)
	}
	if w.Name == "" || len(w.Name) > 64 {
		return errors.Newf(errors.CodeValidationFailed, "schema", "workspace name too long or empty: %q", w.Name)
	}
	if !workspaceNamePattern.MatchString(w.Name) {
		return errors.Newf(errors.CodeValidationFailed, "schema", "workspace name must be alphanumeric with ._- only: %q", w.Name)
	}
	switch w.OwnerType {
	case OwnerUser, OwnerTeam, OwnerAIAgent:
	default:
		return errors.Newf(errors.CodeValidationFailed, "schema", "unknown owner type %q", w.OwnerType)
	}
	return nil
}
