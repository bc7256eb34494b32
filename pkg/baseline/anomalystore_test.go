package baseline

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

func mkAnomaly(id, jobID string, typ schema.AnomalyType, sev schema.AnomalySeverity, detectedAt time.Time) schema.Anomaly {
	return schema.Anomaly{
		AnomalyID:   id,
		JobID:       jobID,
		Fingerprint: "fp-" + jobID,
		Type:        typ,
		Severity:    sev,
		Title:       "test anomaly",
		Description: "test anomaly description",
		DetectedAt:  detectedAt,
	}
}

func TestAnomalyStoreFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	s := NewAnomalyStore(dir, zerolog.Nop())

	require.NoError(t, s.Store(schema.Anomaly{
		JobID:    "job-1",
		Type:     schema.AnomalyDuration,
		Severity: schema.SeverityWarning,
	}))

	page, total, err := s.Query(QueryFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.NotEmpty(t, page[0].AnomalyID)
	assert.False(t, page[0].DetectedAt.IsZero())

	day := time.Now().UTC().Format("2006-01-02")
	_, err = os.Stat(filepath.Join(dir, "anomalies", day+".jsonl"))
	require.NoError(t, err)
}

func TestAnomalyStoreQueryNewestFirst(t *testing.T) {
	s := NewAnomalyStore(t.TempDir(), zerolog.Nop())
	base := time.Now().UTC()

	require.NoError(t, s.Store(
		mkAnomaly("anom-old", "job-1", schema.AnomalyDuration, schema.SeverityWarning, base.Add(-26*time.Hour)),
		mkAnomaly("anom-mid", "job-2", schema.AnomalyMemory, schema.SeverityCritical, base.Add(-2*time.Hour)),
		mkAnomaly("anom-new", "job-3", schema.AnomalyFlaky, schema.SeverityWarning, base.Add(-time.Hour)),
	))

	page, total, err := s.Query(QueryFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 3)
	assert.Equal(t, "anom-new", page[0].AnomalyID)
	assert.Equal(t, "anom-mid", page[1].AnomalyID)
	assert.Equal(t, "anom-old", page[2].AnomalyID)
}

func TestAnomalyStoreQueryFilters(t *testing.T) {
	s := NewAnomalyStore(t.TempDir(), zerolog.Nop())
	base := time.Now().UTC()

	a1 := mkAnomaly("anom-1", "job-a", schema.AnomalyDuration, schema.SeverityWarning, base.Add(-3*time.Hour))
	a2 := mkAnomaly("anom-2", "job-b", schema.AnomalyMemory, schema.SeverityCritical, base.Add(-2*time.Hour))
	a3 := mkAnomaly("anom-3", "job-a", schema.AnomalyFlaky, schema.SeverityWarning, base.Add(-time.Hour))
	a3.Acknowledged = true
	require.NoError(t, s.Store(a1, a2, a3))

	page, total, err := s.Query(QueryFilter{Type: schema.AnomalyDuration}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "anom-1", page[0].AnomalyID)

	_, total, err = s.Query(QueryFilter{Severity: schema.SeverityWarning}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = s.Query(QueryFilter{JobID: "job-a"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = s.Query(QueryFilter{Fingerprint: "fp-job-b"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	acked := true
	page, total, err = s.Query(QueryFilter{Acknowledged: &acked}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "anom-3", page[0].AnomalyID)

	unacked := false
	_, total, err = s.Query(QueryFilter{Acknowledged: &unacked}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestAnomalyStorePagination(t *testing.T) {
	s := NewAnomalyStore(t.TempDir(), zerolog.Nop())
	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		a := mkAnomaly(fmt.Sprintf("anom-%d", i), "job-1", schema.AnomalyDuration, schema.SeverityWarning, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Store(a))
	}

	page, total, err := s.Query(QueryFilter{}, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 3)
	assert.Equal(t, "anom-6", page[0].AnomalyID)

	page, total, err = s.Query(QueryFilter{}, 3, 6)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 1)
	assert.Equal(t, "anom-0", page[0].AnomalyID)

	page, total, err = s.Query(QueryFilter{}, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Empty(t, page)

	// No limit falls back to the default page size.
	page, _, err = s.Query(QueryFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 7)
}

func TestAnomalyStoreAcknowledge(t *testing.T) {
	s := NewAnomalyStore(t.TempDir(), zerolog.Nop())
	base := time.Now().UTC()
	require.NoError(t, s.Store(
		mkAnomaly("anom-1", "job-a", schema.AnomalyDuration, schema.SeverityWarning, base.Add(-2*time.Hour)),
		mkAnomaly("anom-2", "job-b", schema.AnomalyMemory, schema.SeverityCritical, base.Add(-time.Hour)),
	))

	require.NoError(t, s.Acknowledge("anom-1"))

	acked := true
	page, total, err := s.Query(QueryFilter{Acknowledged: &acked}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "anom-1", page[0].AnomalyID)

	// The sibling line survives the rewrite untouched.
	unacked := false
	page, _, err = s.Query(QueryFilter{Acknowledged: &unacked}, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "anom-2", page[0].AnomalyID)

	// Acknowledging again is harmless.
	require.NoError(t, s.Acknowledge("anom-1"))
}

func TestAnomalyStoreAcknowledgeUnknown(t *testing.T) {
	s := NewAnomalyStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, s.Store(mkAnomaly("anom-1", "job-a", schema.AnomalyDuration, schema.SeverityWarning, time.Now().UTC())))

	err := s.Acknowledge("anom-missing")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeResourceNotFound))
}

func TestAnomalyStoreRecentWindow(t *testing.T) {
	s := NewAnomalyStore(t.TempDir(), zerolog.Nop())
	now := time.Now().UTC()
	require.NoError(t, s.Store(
		mkAnomaly("anom-stale", "job-a", schema.AnomalyDuration, schema.SeverityWarning, now.AddDate(0, 0, -10)),
		mkAnomaly("anom-fresh", "job-b", schema.AnomalyMemory, schema.SeverityCritical, now.Add(-time.Hour)),
	))

	recent, err := s.RecentAnomalies(7, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "anom-fresh", recent[0].AnomalyID)

	all, err := s.RecentAnomalies(30, QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAnomalyStoreCleanup(t *testing.T) {
	dir := t.TempDir()
	s := NewAnomalyStore(dir, zerolog.Nop())
	now := time.Now().UTC()
	require.NoError(t, s.Store(
		mkAnomaly("anom-stale", "job-a", schema.AnomalyDuration, schema.SeverityWarning, now.AddDate(0, 0, -10)),
		mkAnomaly("anom-fresh", "job-b", schema.AnomalyMemory, schema.SeverityCritical, now),
	))

	removed, err := s.Cleanup(7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, total, err := s.Query(QueryFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
