package store

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

// WorkflowStore persists workflow records under
// <base>/workflows/<workflow_id>/workflow.json with the same atomic write
// discipline as RunStore.
type WorkflowStore struct {
	baseDir string
	logger  zerolog.Logger
}

// NewWorkflowStore creates the store rooted at baseDir.
func NewWorkflowStore(baseDir string, logger zerolog.Logger) (*WorkflowStore, error) {
	s := &WorkflowStore{
		baseDir: baseDir,
		logger:  logger.With().Str("component", "workflow_store").Logger(),
	}
	if err := os.MkdirAll(s.root(), 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "store", "failed to create workflows root", err)
	}
	return s, nil
}

func (s *WorkflowStore) root() string {
	return filepath.Join(s.baseDir, "workflows")
}

func (s *WorkflowStore) recordPath(workflowID string) string {
	return filepath.Join(s.root(), workflowID, "workflow.json")
}

// Put writes the record atomically.
func (s *WorkflowStore) Put(rec *schema.WorkflowRecord) error {
	if !schema.ValidJobID(rec.WorkflowID) {
		return errors.Newf(errors.CodeInvalidParameter, "store", "invalid workflow id %q", rec.WorkflowID)
	}
	if err := WriteJSONAtomic(s.recordPath(rec.WorkflowID), rec); err != nil {
		return errors.New(errors.CodeIoError, "store", "failed to persist workflow record", err)
	}
	return nil
}

// Get loads one record by workflow id.
func (s *WorkflowStore) Get(workflowID string) (*schema.WorkflowRecord, error) {
	if !schema.ValidJobID(workflowID) {
		return nil, errors.Newf(errors.CodeInvalidParameter, "store", "invalid workflow id %q", workflowID)
	}
	var rec schema.WorkflowRecord
	if err := ReadJSON(s.recordPath(workflowID), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeResourceNotFound, "store", "no workflow record for %s", workflowID)
		}
		return nil, errors.New(errors.CodeIoError, "store", "failed to read workflow record", err)
	}
	return &rec, nil
}

// List returns all records newest first.
func (s *WorkflowStore) List() ([]*schema.WorkflowRecord, error) {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.CodeIoError, "store", "failed to scan workflows root", err)
	}

	var recs []*schema.WorkflowRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var rec schema.WorkflowRecord
		if err := ReadJSON(s.recordPath(e.Name()), &rec); err != nil {
			s.logger.Debug().Err(err).Str("dir", e.Name()).Msg("Skipping workflow directory without record")
			continue
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// Delete removes a workflow's directory.
func (s *WorkflowStore) Delete(workflowID string) error {
	if !schema.ValidJobID(workflowID) {
		return errors.Newf(errors.CodeInvalidParameter, "store", "invalid workflow id %q", workflowID)
	}
	if err := os.RemoveAll(filepath.Join(s.root(), workflowID)); err != nil {
		return errors.New(errors.CodeIoError, "store", "failed to delete workflow directory", err)
	}
	return nil
}
