package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status      []schema.JobStatus
	Image       string // filename-style glob
	Tags        []string
	TriggeredBy string
	WorkspaceID string
	Since       time.Time
	Until       time.Time
	MinDuration time.Duration
	MaxDuration time.Duration
	Limit       int
	Offset      int
}

// RunStore persists run records under <base>/artifacts/<job_id>/, one
// directory per job holding run.json, steps.jsonl and any extracted
// artifact files. Writes are atomic; a concurrent reader sees either the
// previous or the new document, never a torn one.
type RunStore struct {
	baseDir string
	logger  zerolog.Logger
}

// NewRunStore creates the store rooted at baseDir.
func NewRunStore(baseDir string, logger zerolog.Logger) (*RunStore, error) {
	s := &RunStore{
		baseDir: baseDir,
		logger:  logger.With().Str("component", "run_store").Logger(),
	}
	if err := os.MkdirAll(s.artifactsRoot(), 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "store", "failed to create artifacts root", err)
	}
	return s, nil
}

func (s *RunStore) artifactsRoot() string {
	return filepath.Join(s.baseDir, "artifacts")
}

// RunDir returns the directory holding a job's record and artifacts.
func (s *RunStore) RunDir(jobID string) string {
	return filepath.Join(s.artifactsRoot(), jobID)
}

func (s *RunStore) runPath(jobID string) string {
	return filepath.Join(s.RunDir(jobID), "run.json")
}

func (s *RunStore) stepsPath(jobID string) string {
	return filepath.Join(s.RunDir(jobID), "steps.jsonl")
}

// Put writes the record atomically. A failed write is retried once before
// the error surfaces.
func (s *RunStore) Put(rec *schema.RunRecord) error {
	if !schema.ValidJobID(rec.JobID) {
		return errors.Newf(errors.CodeInvalidParameter, "store", "invalid job id %q", rec.JobID)
	}
	err := WriteJSONAtomic(s.runPath(rec.JobID), rec)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", rec.JobID).Msg("Run record write failed, retrying")
		err = WriteJSONAtomic(s.runPath(rec.JobID), rec)
	}
	if err != nil {
		return errors.New(errors.CodeIoError, "store", "failed to persist run record", err)
	}
	return nil
}

// Get loads one record by job id.
func (s *RunStore) Get(jobID string) (*schema.RunRecord, error) {
	if !schema.ValidJobID(jobID) {
		return nil, errors.Newf(errors.CodeInvalidParameter, "store", "invalid job id %q", jobID)
	}
	var rec schema.RunRecord
	if err := ReadJSON(s.runPath(jobID), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeResourceNotFound, "store", "no run record for %s", jobID)
		}
		return nil, errors.New(errors.CodeIoError, "store", "failed to read run record", err)
	}
	return &rec, nil
}

// AppendStep appends a step result to the job's streaming step log.
func (s *RunStore) AppendStep(jobID string, step schema.StepResult) error {
	if !schema.ValidJobID(jobID) {
		return errors.Newf(errors.CodeInvalidParameter, "store", "invalid job id %q", jobID)
	}
	if err := AppendJSONLine(s.stepsPath(jobID), step); err != nil {
		return errors.New(errors.CodeIoError, "store", "failed to append step", err)
	}
	return nil
}

// ReadSteps returns the step log in append order.
func (s *RunStore) ReadSteps(jobID string) ([]schema.StepResult, error) {
	f, err := os.Open(s.stepsPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.CodeIoError, "store", "failed to open step log", err)
	}
	defer f.Close()

	var steps []schema.StepResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var step schema.StepResult
		if err := json.Unmarshal(line, &step); err != nil {
			s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Skipping unparsable step line")
			continue
		}
		steps = append(steps, step)
	}
	return steps, scanner.Err()
}

// List scans all run directories and returns matching records newest
// first. Directories without a parsable run.json are skipped.
func (s *RunStore) List(f Filter) ([]*schema.RunRecord, error) {
	var imageGlob glob.Glob
	if f.Image != "" {
		g, err := glob.Compile(f.Image)
		if err != nil {
			return nil, errors.Newf(errors.CodeInvalidParameter, "store", "invalid image glob %q", f.Image)
		}
		imageGlob = g
	}

	entries, err := os.ReadDir(s.artifactsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.CodeIoError, "store", "failed to scan artifacts root", err)
	}

	var recs []*schema.RunRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var rec schema.RunRecord
		if err := ReadJSON(s.runPath(e.Name()), &rec); err != nil {
			s.logger.Debug().Err(err).Str("dir", e.Name()).Msg("Skipping run directory without record")
			continue
		}
		if f.matches(&rec, imageGlob) {
			recs = append(recs, &rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	return recs, nil
}

// Matches reports whether a record passes the filter. List compiles the
// image glob once per scan; this convenience path compiles it per call.
func (f Filter) Matches(rec *schema.RunRecord) bool {
	var imageGlob glob.Glob
	if f.Image != "" {
		g, err := glob.Compile(f.Image)
		if err != nil {
			return false
		}
		imageGlob = g
	}
	return f.matches(rec, imageGlob)
}

func (f Filter) matches(rec *schema.RunRecord, imageGlob glob.Glob) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, st := range f.Status {
			if rec.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if imageGlob != nil && !imageGlob.Match(rec.Spec.Image) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range rec.Spec.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TriggeredBy != "" && rec.Spec.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.WorkspaceID != "" && rec.Spec.WorkspaceID != f.WorkspaceID {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.CreatedAt.After(f.Until) {
		return false
	}
	if f.MinDuration > 0 || f.MaxDuration > 0 {
		d := rec.Duration()
		if f.MinDuration > 0 && d < f.MinDuration {
			return false
		}
		if f.MaxDuration > 0 && d > f.MaxDuration {
			return false
		}
	}
	return true
}

// Delete removes a job's directory with everything in it.
func (s *RunStore) Delete(jobID string) error {
	if !schema.ValidJobID(jobID) {
		return errors.Newf(errors.CodeInvalidParameter, "store", "invalid job id %q", jobID)
	}
	if err := os.RemoveAll(s.RunDir(jobID)); err != nil {
		return errors.New(errors.CodeIoError, "store", "failed to delete run directory", err)
	}
	return nil
}

// Cleanup deletes terminal runs that finished more than olderThan ago and
// returns how many were removed. Runs without a finish time age by
// created_at.
func (s *RunStore) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	recs, err := s.List(Filter{})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range recs {
		if !rec.Status.IsTerminal() {
			continue
		}
		ref := rec.CreatedAt
		if rec.FinishedAt != nil {
			ref = *rec.FinishedAt
		}
		if ref.After(cutoff) {
			continue
		}
		if err := s.Delete(rec.JobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", rec.JobID).Msg("Retention delete failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Retention cleanup complete")
	}
	return removed, nil
}
