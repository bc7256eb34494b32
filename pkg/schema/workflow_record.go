package schema

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSuccess   WorkflowStatus = "SUCCESS"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowPartial   WorkflowStatus = "PARTIAL"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowSuccess, WorkflowFailed, WorkflowPartial, WorkflowCancelled:
		return true
	}
	return false
}

// NewWorkflowID generates a fresh workflow identifier.
func NewWorkflowID() string {
	return "wf-" + uuid.NewString()
}

// WorkflowRecord is the persisted state of one workflow run. Job names map
// to their final statuses and spawned job ids; matrix variants appear under
// their variant-keyed names.
type WorkflowRecord struct {
	WorkflowID  string               `json:"workflow_id"`
	SpecName    string               `json:"spec_name"`
	Status      WorkflowStatus       `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	JobStatuses map[string]JobStatus `json:"job_statuses"`
	JobRunIDs   map[string]string    `json:"job_run_ids"`
	Error       string               `json:"error,omitempty"`
}

// NewWorkflowRecord creates a PENDING record for the named workflow.
func NewWorkflowRecord(specName string) *WorkflowRecord {
	return &WorkflowRecord{
		WorkflowID:  NewWorkflowID(),
		SpecName:    specName,
		Status:      WorkflowPending,
		CreatedAt:   time.Now().UTC(),
		JobStatuses: map[string]JobStatus{},
		JobRunIDs:   map[string]string{},
	}
}

// Clone deep-copies the record so concurrent readers never observe a map
// being written.
func (r *WorkflowRecord) Clone() *WorkflowRecord {
	clone := *r
	clone.JobStatuses = make(map[string]JobStatus, len(r.JobStatuses))
	for k, v := range r.JobStatuses {
		clone.JobStatuses[k] = v
	}
	clone.JobRunIDs = make(map[string]string, len(r.JobRunIDs))
	for k, v := range r.JobRunIDs {
		clone.JobRunIDs[k] = v
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		clone.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		clone.FinishedAt = &t
	}
	return &clone
}

// Duration returns elapsed wall time between start and finish, zero until
// both are set.
func (r *WorkflowRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}
