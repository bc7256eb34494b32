// Package audit provides the append-only event stream recording every
// admission, denial, completion and workspace change. Events land in daily
// JSON-lines files and are never rewritten.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

// Outcome classifies the result of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Audited actions.
const (
	ActionJobCreated        = "job.created"
	ActionJobDenied         = "job.denied"
	ActionJobCompleted      = "job.completed"
	ActionJobCancelled      = "job.cancelled"
	ActionWorkflowCreated   = "workflow.created"
	ActionWorkflowCompleted = "workflow.completed"
	ActionPolicyViolated    = "policy.violated"
	ActionKeyCreated        = "auth.key_created"
	ActionKeyRevoked        = "auth.key_revoked"
	ActionSessionCreated    = "auth.session_created"
	ActionWorkspaceCreated  = "workspace.created"
	ActionWorkspaceUpdated  = "workspace.updated"
	ActionWorkspaceDeleted  = "workspace.deleted"
)

// Event is one audit record.
type Event struct {
	EventID      string                 `json:"event_id"`
	Timestamp    time.Time              `json:"timestamp"`
	WorkspaceID  string                 `json:"workspace_id"`
	ActorType    string                 `json:"actor_type"`
	ActorID      string                 `json:"actor_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Outcome      Outcome                `json:"outcome"`
}

// QueryFilter narrows Query results. Zero values mean "no constraint".
type QueryFilter struct {
	WorkspaceID string
	Action      string
	Outcome     Outcome
	ResourceID  string
	Since       time.Time
	Until       time.Time
}

var auditFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// Logger appends events to <base>/audit/YYYY-MM-DD.jsonl, partitioned by
// the local date of the event. A single mutex serializes writers so lines
// are whole and timestamps per file never go backwards.
type Logger struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewLogger creates the audit logger rooted at baseDir.
func NewLogger(baseDir string, logger zerolog.Logger) (*Logger, error) {
	dir := filepath.Join(baseDir, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "audit", "failed to create audit directory", err)
	}
	return &Logger{
		dir:    dir,
		logger: logger.With().Str("component", "audit").Logger(),
	}, nil
}

// Log appends one event, filling event id and timestamp when empty.
func (l *Logger) Log(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.EventID == "" {
		ev.EventID = "evt-" + uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return errors.New(errors.CodeIoError, "audit", "failed to marshal event", err)
	}

	path := filepath.Join(l.dir, ev.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.New(errors.CodeIoError, "audit", "failed to open audit file", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.New(errors.CodeIoError, "audit", "failed to append event", err)
	}
	return nil
}

// Query returns matching events newest first, scanning files in reverse
// chronological order. limit <= 0 means unbounded.
func (l *Logger) Query(f QueryFilter, limit, offset int) ([]Event, error) {
	files, err := l.eventFiles()
	if err != nil {
		return nil, err
	}
	// Newest date first.
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var out []Event
	skipped := 0
	for _, name := range files {
		events, err := l.readFile(filepath.Join(l.dir, name))
		if err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable audit file")
			continue
		}
		// Newest line first within the file.
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if !matchesFilter(ev, f) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func matchesFilter(ev Event, f QueryFilter) bool {
	if f.WorkspaceID != "" && ev.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Outcome != "" && ev.Outcome != f.Outcome {
		return false
	}
	if f.ResourceID != "" && ev.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func (l *Logger) eventFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.CodeIoError, "audit", "failed to scan audit directory", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && auditFilePattern.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

func (l *Logger) readFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			l.logger.Debug().Err(err).Str("file", path).Msg("Skipping unparsable audit line")
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// Cleanup removes daily files older than retentionDays and returns how
// many were deleted.
func (l *Logger) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	files, err := l.eventFiles()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	removed := 0
	for _, name := range files {
		date := name[:len(name)-len(".jsonl")]
		if date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("Audit retention delete failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		l.logger.Info().Int("removed", removed).Msg("Audit retention cleanup complete")
	}
	return removed, nil
}
