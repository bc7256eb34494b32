package workspace

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

func newTestRegistry(t *testing.T) (*Registry, *audit.Logger) {
	t.Helper()
	dir := t.TempDir()
	auditLog, err := audit.NewLogger(dir, zerolog.Nop())
	require.NoError(t, err)
	reg, err := NewRegistry(dir, auditLog, zerolog.Nop())
	require.NoError(t, err)
	return reg, auditLog
}

func TestRegistryProvisionsDefaultWorkspace(t *testing.T) {
	reg, _ := newTestRegistry(t)

	ws, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultWorkspaceID, ws.ID)
	assert.Equal(t, "default", ws.Name)
	assert.Equal(t, schema.WorkspaceActive, ws.Status)
	assert.Equal(t, 10, ws.Limits.MaxConcurrentJobs)
	assert.Equal(t, 8192, ws.Limits.MaxMemoryPerJobMB)
	assert.Equal(t, schema.CleanupRemoveOnCompletion, ws.Settings.DefaultCleanupPolicy)
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)

	ws, err := reg.Create("ci-team", schema.OwnerTeam, "team-1", CreateOptions{})
	require.NoError(t, err)
	assert.True(t, schema.ValidWorkspaceID(ws.ID))
	assert.Equal(t, schema.OwnerTeam, ws.OwnerType)

	got, err := reg.Get(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "ci-team", got.Name)
}

func TestRegistryDuplicateIDRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Create("one", schema.OwnerUser, "u1", CreateOptions{WorkspaceID: "ws_dup1"})
	require.NoError(t, err)
	_, err = reg.Create("two", schema.OwnerUser, "u1", CreateOptions{WorkspaceID: "ws_dup1"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeResourceAlreadyExists))
}

func TestRegistryDuplicateNameRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Create("shared-name", schema.OwnerUser, "u1", CreateOptions{})
	require.NoError(t, err)
	_, err = reg.Create("shared-name", schema.OwnerUser, "u2", CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeResourceAlreadyExists))
}

func TestRegistryValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Create("bad id!", schema.OwnerUser, "u1", CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeValidationFailed))

	_, err = reg.Create("ok", schema.OwnerUser, "u1", CreateOptions{WorkspaceID: "ws_has-dash"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeValidationFailed))

	_, err = reg.Create("ok", "robot", "u1", CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeValidationFailed))
}

func TestRegistryUpdateLimits(t *testing.T) {
	reg, _ := newTestRegistry(t)

	ws, err := reg.Create("tuned", schema.OwnerUser, "u1", CreateOptions{})
	require.NoError(t, err)

	limits := schema.DefaultWorkspaceLimits()
	limits.MaxConcurrentJobs = 2
	daily := 100
	limits.DailyJobLimit = &daily

	updated, err := reg.Update(ws.ID, UpdateRequest{Limits: &limits})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Limits.MaxConcurrentJobs)
	require.NotNil(t, updated.Limits.DailyJobLimit)
	assert.Equal(t, 100, *updated.Limits.DailyJobLimit)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
}

func TestRegistrySurvivesReload(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, nil, zerolog.Nop())
	require.NoError(t, err)
	ws, err := reg.Create("persistent", schema.OwnerUser, "u1", CreateOptions{})
	require.NoError(t, err)

	reloaded, err := NewRegistry(dir, nil, zerolog.Nop())
	require.NoError(t, err)
	got, err := reloaded.Get(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "persistent", got.Name)
}

func TestRegistryListFiltersArchived(t *testing.T) {
	reg, _ := newTestRegistry(t)

	ws, err := reg.Create("to-archive", schema.OwnerUser, "u1", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, reg.Archive(ws.ID))

	var ids []string
	for _, w := range reg.List("") {
		ids = append(ids, w.ID)
	}
	assert.NotContains(t, ids, ws.ID)

	archived := reg.List(schema.WorkspaceArchived)
	require.Len(t, archived, 1)
	assert.Equal(t, ws.ID, archived[0].ID)
}

func TestRegistryDefaultWorkspaceIsProtected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.Delete(schema.DefaultWorkspaceID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePolicyDenied))

	err = reg.Archive(schema.DefaultWorkspaceID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePolicyDenied))
}

func TestRegistryDeleteRemovesWorkspace(t *testing.T) {
	reg, auditLog := newTestRegistry(t)

	ws, err := reg.Create("doomed", schema.OwnerUser, "u1", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ws.ID))

	_, err = reg.Get(ws.ID)
	assert.True(t, errors.HasCode(err, errors.CodeResourceNotFound))

	events, err := auditLog.Query(audit.QueryFilter{Action: audit.ActionWorkspaceDeleted}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ws.ID, events[0].ResourceID)
}
