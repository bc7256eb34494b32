// Package workspace manages tenant boundaries: the workspace registry,
// API keys and agent sessions. All state lives in JSON files under the
// base directory and survives restarts.
package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

// Registry is the thread-safe workspace store. The default workspace
// ws_default is provisioned on first start and cannot be archived or
// deleted.
type Registry struct {
	dir    string
	mu     sync.Mutex
	cache  map[string]*schema.Workspace
	audit  *audit.Logger
	logger zerolog.Logger
}

// CreateOptions customize workspace creation. Zero values fall back to
// defaults.
type CreateOptions struct {
	WorkspaceID string
	Settings    *schema.WorkspaceSettings
	Limits      *schema.WorkspaceLimits
}

// UpdateRequest carries partial workspace mutations; nil fields stay
// untouched.
type UpdateRequest struct {
	Settings *schema.WorkspaceSettings
	Limits   *schema.WorkspaceLimits
	Status   *schema.WorkspaceStatus
}

// NewRegistry loads all workspaces from disk and guarantees ws_default
// exists. auditLog may be nil when auditing is not wired.
func NewRegistry(baseDir string, auditLog *audit.Logger, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		dir:    filepath.Join(baseDir, "workspaces"),
		cache:  map[string]*schema.Workspace{},
		audit:  auditLog,
		logger: logger.With().Str("component", "workspace_registry").Logger(),
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "workspace", "failed to create workspaces directory", err)
	}
	r.loadAll()

	if _, err := r.Get(schema.DefaultWorkspaceID); err != nil {
		if _, err := r.Create("default", schema.OwnerUser, "system", CreateOptions{WorkspaceID: schema.DefaultWorkspaceID}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadAll() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var ws schema.Workspace
		if err := store.ReadJSON(filepath.Join(r.dir, e.Name(), "workspace.json"), &ws); err != nil {
			r.logger.Debug().Err(err).Str("dir", e.Name()).Msg("Skipping unreadable workspace")
			continue
		}
		r.cache[ws.ID] = &ws
	}
}

// Create adds a new workspace. Ids and non-archived names must be unique.
func (r *Registry) Create(name string, ownerType schema.OwnerType, ownerID string, opts CreateOptions) (*schema.Workspace, error) {
	ws := schema.NewWorkspace(opts.WorkspaceID, name, ownerType, ownerID)
	if opts.Settings != nil {
		ws.Settings = *opts.Settings
	}
	if opts.Limits != nil {
		ws.Limits = *opts.Limits
	}
	if err := ws.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.cache[ws.ID]; exists {
		r.mu.Unlock()
		return nil, errors.Newf(errors.CodeResourceAlreadyExists, "workspace", "workspace %s already exists", ws.ID)
	}
	for _, existing := range r.cache {
		if existing.Name == name && existing.Status != schema.WorkspaceArchived {
			r.mu.Unlock()
			return nil, errors.Newf(errors.CodeResourceAlreadyExists, "workspace", "workspace name %q already in use", name)
		}
	}
	r.cache[ws.ID] = ws
	r.mu.Unlock()

	if err := r.persist(ws); err != nil {
		return nil, err
	}
	r.auditEvent(audit.ActionWorkspaceCreated, ws.ID, audit.OutcomeSuccess)
	r.logger.Info().Str("workspace_id", ws.ID).Str("name", name).Msg("Workspace created")
	out := *ws
	return &out, nil
}

// Get returns a copy of the workspace, falling back to disk on a cache
// miss.
func (r *Registry) Get(workspaceID string) (*schema.Workspace, error) {
	r.mu.Lock()
	ws, ok := r.cache[workspaceID]
	r.mu.Unlock()
	if ok {
		out := *ws
		return &out, nil
	}

	if !schema.ValidWorkspaceID(workspaceID) {
		return nil, errors.Newf(errors.CodeResourceNotFound, "workspace", "workspace %q not found", workspaceID)
	}
	var loaded schema.Workspace
	if err := store.ReadJSON(filepath.Join(r.dir, workspaceID, "workspace.json"), &loaded); err != nil {
		return nil, errors.Newf(errors.CodeResourceNotFound, "workspace", "workspace %q not found", workspaceID)
	}
	r.mu.Lock()
	r.cache[loaded.ID] = &loaded
	r.mu.Unlock()
	out := loaded
	return &out, nil
}

// Default returns the always-present default workspace.
func (r *Registry) Default() (*schema.Workspace, error) {
	return r.Get(schema.DefaultWorkspaceID)
}

// List returns workspaces newest first; an empty status returns all
// except archived.
func (r *Registry) List(status schema.WorkspaceStatus) []*schema.Workspace {
	r.mu.Lock()
	all := make([]*schema.Workspace, 0, len(r.cache))
	for _, ws := range r.cache {
		out := *ws
		all = append(all, &out)
	}
	r.mu.Unlock()

	var filtered []*schema.Workspace
	for _, ws := range all {
		if status == "" && ws.Status == schema.WorkspaceArchived {
			continue
		}
		if status != "" && ws.Status != status {
			continue
		}
		filtered = append(filtered, ws)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})
	return filtered
}

// Update applies the request and persists. The default workspace cannot
// be archived.
func (r *Registry) Update(workspaceID string, req UpdateRequest) (*schema.Workspace, error) {
	r.mu.Lock()
	ws, ok := r.cache[workspaceID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Newf(errors.CodeResourceNotFound, "workspace", "workspace %q not found", workspaceID)
	}
	if req.Status != nil && workspaceID == schema.DefaultWorkspaceID && *req.Status == schema.WorkspaceArchived {
		r.mu.Unlock()
		return nil, errors.New(errors.CodePolicyDenied, "workspace", "the default workspace cannot be archived", nil)
	}
	if req.Settings != nil {
		ws.Settings = *req.Settings
	}
	if req.Limits != nil {
		ws.Limits = *req.Limits
	}
	if req.Status != nil {
		ws.Status = *req.Status
	}
	ws.UpdatedAt = time.Now().UTC()
	snapshot := *ws
	r.mu.Unlock()

	if err := r.persist(&snapshot); err != nil {
		return nil, err
	}
	r.auditEvent(audit.ActionWorkspaceUpdated, workspaceID, audit.OutcomeSuccess)
	return &snapshot, nil
}

// Archive marks a workspace archived.
func (r *Registry) Archive(workspaceID string) error {
	status := schema.WorkspaceArchived
	_, err := r.Update(workspaceID, UpdateRequest{Status: &status})
	return err
}

// Delete removes a workspace and everything under it, keys included. The
// default workspace is undeletable.
func (r *Registry) Delete(workspaceID string) error {
	if workspaceID == schema.DefaultWorkspaceID {
		return errors.New(errors.CodePolicyDenied, "workspace", "the default workspace cannot be deleted", nil)
	}
	r.mu.Lock()
	_, ok := r.cache[workspaceID]
	delete(r.cache, workspaceID)
	r.mu.Unlock()
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "workspace", "workspace %q not found", workspaceID)
	}

	if err := os.RemoveAll(filepath.Join(r.dir, workspaceID)); err != nil {
		return errors.New(errors.CodeIoError, "workspace", "failed to delete workspace directory", err)
	}
	r.auditEvent(audit.ActionWorkspaceDeleted, workspaceID, audit.OutcomeSuccess)
	r.logger.Info().Str("workspace_id", workspaceID).Msg("Workspace deleted")
	return nil
}

func (r *Registry) persist(ws *schema.Workspace) error {
	path := filepath.Join(r.dir, ws.ID, "workspace.json")
	if err := store.WriteJSONAtomic(path, ws); err != nil {
		return errors.New(errors.CodeIoError, "workspace", "failed to persist workspace", err)
	}
	return nil
}

func (r *Registry) auditEvent(action, workspaceID string, outcome audit.Outcome) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(audit.Event{
		WorkspaceID:  workspaceID,
		ActorType:    "system",
		ActorID:      "registry",
		Action:       action,
		ResourceType: "workspace",
		ResourceID:   workspaceID,
		Outcome:      outcome,
	}); err != nil {
		r.logger.Warn().Err(err).Str("action", action).Msg("Audit append failed")
	}
}
