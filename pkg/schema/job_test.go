package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

func validSpec() JobSpec {
	return JobSpec{
		JobID:         "test-job-1",
		WorkspaceID:   DefaultWorkspaceID,
		Image:         "alpine:3.19",
		Commands:      []Command{{"echo", "hi"}},
		TTLSeconds:    60,
		CleanupPolicy: CleanupRemoveOnCompletion,
	}
}

func TestJobSpec_Validate(t *testing.T) {
	spec := validSpec()
	assert.NoError(t, spec.Validate())
}

func TestJobSpec_Validate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"empty commands", func(s *JobSpec) { s.Commands = nil }},
		{"empty command argv", func(s *JobSpec) { s.Commands = []Command{{}} }},
		{"zero ttl", func(s *JobSpec) { s.TTLSeconds = 0 }},
		{"negative ttl", func(s *JobSpec) { s.TTLSeconds = -5 }},
		{"empty image", func(s *JobSpec) { s.Image = "  " }},
		{"bad job id", func(s *JobSpec) { s.JobID = "../escape" }},
		{"leading dash job id", func(s *JobSpec) { s.JobID = "-rf" }},
		{"leading dot job id", func(s *JobSpec) { s.JobID = ".hidden" }},
		{"unknown cleanup policy", func(s *JobSpec) { s.CleanupPolicy = "sometimes" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			assert.Error(t, spec.Validate())
		})
	}
}

func TestJobSpec_Normalize(t *testing.T) {
	spec := JobSpec{
		Image:      "alpine:3.19",
		Commands:   []Command{{"true"}},
		TTLSeconds: 10,
	}
	spec.Normalize()

	assert.True(t, ValidJobID(spec.JobID))
	assert.Equal(t, DefaultWorkspaceID, spec.WorkspaceID)
	assert.Equal(t, CleanupRemoveOnCompletion, spec.CleanupPolicy)
	assert.Equal(t, "manual", spec.TriggeredBy)
	assert.NoError(t, spec.Validate())
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusTimedOut.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())
}

func TestCleanupPolicy_ShouldRemove(t *testing.T) {
	tests := []struct {
		policy CleanupPolicy
		status JobStatus
		want   bool
	}{
		{CleanupAlwaysRemove, StatusSuccess, true},
		{CleanupAlwaysRemove, StatusFailed, true},
		{CleanupAlwaysRemove, StatusTimedOut, true},
		{CleanupAlwaysRemove, StatusCancelled, true},
		{CleanupRemoveOnCompletion, StatusSuccess, true},
		{CleanupRemoveOnCompletion, StatusFailed, false},
		{CleanupRemoveOnCompletion, StatusTimedOut, false},
		{CleanupRemoveOnCompletion, StatusCancelled, false},
		{CleanupKeepOnCompletion, StatusSuccess, false},
		{CleanupKeepOnCompletion, StatusFailed, false},
		{CleanupRemoveOnTimeout, StatusSuccess, false},
		{CleanupRemoveOnTimeout, StatusFailed, false},
		{CleanupRemoveOnTimeout, StatusTimedOut, true},
		{CleanupRemoveOnTimeout, StatusCancelled, false},
		{CleanupNeverRemove, StatusSuccess, false},
		{CleanupNeverRemove, StatusTimedOut, false},
	}

	for _, tt := range tests {
		got := tt.policy.ShouldRemove(tt.status)
		assert.Equal(t, tt.want, got, "%s on %s", tt.policy, tt.status)
	}
}

func TestRunRecord_RoundTrip(t *testing.T) {
	spec := validSpec()
	rec := NewRunRecord(spec)

	now := time.Now().UTC().Truncate(time.Second)
	later := now.Add(3 * time.Second)
	rec.Status = StatusSuccess
	rec.StartedAt = &now
	rec.FinishedAt = &later
	rec.Steps = append(rec.Steps, StepResult{
		Index:           0,
		Command:         Command{"echo", "hi"},
		ExitCode:        0,
		Stdout:          "hi\n",
		DurationSeconds: 0.02,
		StartedAt:       now,
		FinishedAt:      later,
	})
	rec.Artifacts = append(rec.Artifacts, ArtifactMetadata{
		PathInContainer: "/out/report.txt",
		LocalPath:       "report.txt",
		SizeBytes:       42,
		SHA256:          "abc",
	})
	rec.CleanupStatus = CleanupRemoved
	rec.Summary = &RunSummary{OneLiner: "SUCCESS in 3s"}
	rec.Anomalies = []Anomaly{{
		AnomalyID:   NewAnomalyID(),
		JobID:       spec.JobID,
		Fingerprint: rec.Fingerprint,
		Type:        AnomalyDuration,
		Severity:    SeverityWarning,
		DetectedAt:  now,
	}}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var back RunRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *rec, back)
}

func TestRunRecord_JSONFieldNames(t *testing.T) {
	rec := NewRunRecord(validSpec())
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))

	for _, key := range []string{"job_id", "spec", "status", "created_at", "fingerprint", "steps", "artifacts", "cleanup_status"} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, "QUEUED", m["status"])
}

func TestRunRecord_Duration(t *testing.T) {
	rec := NewRunRecord(validSpec())
	assert.Equal(t, time.Duration(0), rec.Duration())

	start := time.Now().UTC()
	end := start.Add(5 * time.Second)
	rec.StartedAt = &start
	rec.FinishedAt = &end
	assert.Equal(t, 5*time.Second, rec.Duration())
}

func TestValidate_ErrorCodes(t *testing.T) {
	spec := validSpec()
	spec.TTLSeconds = 0
	err := spec.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidParameter, errors.CodeOf(err))

	spec = validSpec()
	spec.Commands = nil
	err = spec.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidationFailed, errors.CodeOf(err))
}
