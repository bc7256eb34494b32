package baseline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
)

// defaultQueryLimit bounds Query pages when the caller passes no limit.
const defaultQueryLimit = 50

var anomalyFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// QueryFilter narrows anomaly queries. Zero fields match everything.
type QueryFilter struct {
	Type         schema.AnomalyType
	Severity     schema.AnomalySeverity
	JobID        string
	Fingerprint  string
	Acknowledged *bool
}

// AnomalyStore appends anomalies to <base>/anomalies/YYYY-MM-DD.jsonl
// partitioned by detection date (UTC). Files are append-only except for
// acknowledgement, which rewrites the containing file atomically.
type AnomalyStore struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewAnomalyStore creates the store rooted at baseDir.
func NewAnomalyStore(baseDir string, logger zerolog.Logger) *AnomalyStore {
	return &AnomalyStore{
		dir:    filepath.Join(baseDir, "anomalies"),
		logger: logger.With().Str("component", "anomaly_store").Logger(),
	}
}

// Store appends anomalies to their daily files, filling id and detection
// time when empty.
func (s *AnomalyStore) Store(anomalies ...schema.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range anomalies {
		if a.AnomalyID == "" {
			a.AnomalyID = schema.NewAnomalyID()
		}
		if a.DetectedAt.IsZero() {
			a.DetectedAt = time.Now().UTC()
		}
		path := filepath.Join(s.dir, a.DetectedAt.UTC().Format("2006-01-02")+".jsonl")
		if err := store.AppendJSONLine(path, a); err != nil {
			return errors.New(errors.CodeIoError, "baseline", "failed to append anomaly", err)
		}
	}
	return nil
}

// Query returns one page of matching anomalies newest first, plus the
// total match count. limit <= 0 applies the default page size.
func (s *AnomalyStore) Query(f QueryFilter, limit, offset int) ([]schema.Anomaly, int, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if offset < 0 {
		offset = 0
	}

	matched, err := s.collect(f, nil)
	if err != nil {
		return nil, 0, err
	}

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// RecentAnomalies returns all matches detected within the last N days,
// newest first. days <= 0 defaults to 7.
func (s *AnomalyStore) RecentAnomalies(days int, f QueryFilter) ([]schema.Anomaly, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	return s.collect(f, func(date string) bool { return date >= cutoff })
}

// Acknowledge marks one anomaly acknowledged, rewriting the daily file
// that holds it.
func (s *AnomalyStore) Acknowledge(anomalyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.anomalyFiles()
	if err != nil {
		return err
	}
	// Most acknowledgements target fresh anomalies.
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	for _, name := range files {
		path := filepath.Join(s.dir, name)
		rewritten, found, err := acknowledgeInFile(path, anomalyID)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable anomaly file")
			continue
		}
		if !found {
			continue
		}
		if err := store.WriteFileAtomic(path, rewritten, 0o644); err != nil {
			return errors.New(errors.CodeIoError, "baseline", "failed to rewrite anomaly file", err)
		}
		return nil
	}
	return errors.Newf(errors.CodeResourceNotFound, "baseline", "anomaly %s not found", anomalyID)
}

// Cleanup removes daily files older than retentionDays and returns how
// many were deleted.
func (s *AnomalyStore) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	files, err := s.anomalyFiles()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	removed := 0
	for _, name := range files {
		date := name[:len(name)-len(".jsonl")]
		if date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Anomaly retention delete failed")
			continue
		}
		removed++
	}
	return removed, nil
}

// collect reads every daily file passing dateOK (nil accepts all), filters,
// and sorts newest first.
func (s *AnomalyStore) collect(f QueryFilter, dateOK func(string) bool) ([]schema.Anomaly, error) {
	files, err := s.anomalyFiles()
	if err != nil {
		return nil, err
	}

	var matched []schema.Anomaly
	for _, name := range files {
		if dateOK != nil && !dateOK(name[:len(name)-len(".jsonl")]) {
			continue
		}
		anomalies, err := s.readFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable anomaly file")
			continue
		}
		for _, a := range anomalies {
			if matchesAnomaly(a, f) {
				matched = append(matched, a)
			}
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].DetectedAt.After(matched[j].DetectedAt)
	})
	return matched, nil
}

func matchesAnomaly(a schema.Anomaly, f QueryFilter) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.JobID != "" && a.JobID != f.JobID {
		return false
	}
	if f.Fingerprint != "" && a.Fingerprint != f.Fingerprint {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	return true
}

func (s *AnomalyStore) anomalyFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.CodeIoError, "baseline", "failed to scan anomaly directory", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && anomalyFilePattern.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

func (s *AnomalyStore) readFile(path string) ([]schema.Anomaly, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var anomalies []schema.Anomaly
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var a schema.Anomaly
		if err := json.Unmarshal(line, &a); err != nil {
			s.logger.Debug().Err(err).Str("file", path).Msg("Skipping unparsable anomaly line")
			continue
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, scanner.Err()
}

// acknowledgeInFile rewrites the file's lines with the target anomaly
// acknowledged. Lines that fail to parse pass through untouched.
func acknowledgeInFile(path, anomalyID string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	var buf bytes.Buffer
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var a schema.Anomaly
		if err := json.Unmarshal(line, &a); err != nil || a.AnomalyID != anomalyID {
			buf.Write(line)
			buf.WriteByte('\n')
			continue
		}
		a.Acknowledged = true
		data, err := json.Marshal(a)
		if err != nil {
			return nil, false, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
		found = true
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), found, nil
}
