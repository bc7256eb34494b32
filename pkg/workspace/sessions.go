package workspace

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/store"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionIdle    SessionStatus = "idle"
	SessionExpired SessionStatus = "expired"
)

// Session attributes resources created by an agent to a workspace over a
// bounded window of activity.
type Session struct {
	SessionID        string                 `json:"session_id"`
	AgentType        string                 `json:"agent_type"`
	WorkspaceID      string                 `json:"workspace_id"`
	StartedAt        time.Time              `json:"started_at"`
	LastActivity     time.Time              `json:"last_activity"`
	Status           SessionStatus          `json:"status"`
	ResourcesCreated []string               `json:"resources_created"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// SessionManager tracks agent sessions in memory with per-session JSON
// files under <base>/sessions/.
type SessionManager struct {
	dir         string
	idleTimeout time.Duration
	mu          sync.Mutex
	sessions    map[string]*Session
	audit       *audit.Logger
	logger      zerolog.Logger
}

// NewSessionManager loads persisted sessions from disk. idleTimeout <= 0
// defaults to 30 minutes.
func NewSessionManager(baseDir string, idleTimeout time.Duration, auditLog *audit.Logger, logger zerolog.Logger) (*SessionManager, error) {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	m := &SessionManager{
		dir:         filepath.Join(baseDir, "sessions"),
		idleTimeout: idleTimeout,
		sessions:    map[string]*Session{},
		audit:       auditLog,
		logger:      logger.With().Str("component", "session_manager").Logger(),
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "workspace", "failed to create sessions directory", err)
	}
	m.loadAll()
	return m, nil
}

func (m *SessionManager) loadAll() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var s Session
		if err := store.ReadJSON(filepath.Join(m.dir, e.Name()), &s); err != nil {
			m.logger.Debug().Err(err).Str("file", e.Name()).Msg("Skipping unreadable session file")
			continue
		}
		m.sessions[s.SessionID] = &s
	}
}

// Create starts a new active session.
func (m *SessionManager) Create(agentType, workspaceID string, metadata map[string]interface{}) (*Session, error) {
	id := uuid.New()
	now := time.Now().UTC()
	s := &Session{
		SessionID:        "sess_" + hex.EncodeToString(id[:6]),
		AgentType:        agentType,
		WorkspaceID:      workspaceID,
		StartedAt:        now,
		LastActivity:     now,
		Status:           SessionActive,
		ResourcesCreated: []string{},
		Metadata:         metadata,
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = s
	err := m.persist(s)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if m.audit != nil {
		_ = m.audit.Log(audit.Event{
			WorkspaceID:  workspaceID,
			ActorType:    agentType,
			ActorID:      s.SessionID,
			Action:       audit.ActionSessionCreated,
			ResourceType: "session",
			ResourceID:   s.SessionID,
			Outcome:      audit.OutcomeSuccess,
		})
	}
	out := *s
	return &out, nil
}

// Touch refreshes activity and reactivates an idle session. Expired
// sessions stay dead.
func (m *SessionManager) Touch(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.Newf(errors.CodeResourceNotFound, "workspace", "session %q not found", sessionID)
	}
	if s.Status == SessionExpired {
		return nil, errors.Newf(errors.CodeSessionExpired, "workspace", "session %q has expired", sessionID)
	}
	s.LastActivity = time.Now().UTC()
	s.Status = SessionActive
	if err := m.persist(s); err != nil {
		return nil, err
	}
	out := *s
	return &out, nil
}

// TrackResource attributes a created resource to the session.
func (m *SessionManager) TrackResource(sessionID, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "workspace", "session %q not found", sessionID)
	}
	s.ResourcesCreated = append(s.ResourcesCreated, resourceID)
	return m.persist(s)
}

// Get returns a copy of the session.
func (m *SessionManager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.Newf(errors.CodeResourceNotFound, "workspace", "session %q not found", sessionID)
	}
	out := *s
	out.ResourcesCreated = append([]string(nil), s.ResourcesCreated...)
	return &out, nil
}

// List returns sessions newest first, optionally filtered by workspace
// and status.
func (m *SessionManager) List(workspaceID string, status SessionStatus) []*Session {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out := *s
		all = append(all, &out)
	}
	m.mu.Unlock()

	var filtered []*Session
	for _, s := range all {
		if workspaceID != "" && s.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		filtered = append(filtered, s)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})
	return filtered
}

// End expires a session explicitly.
func (m *SessionManager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.Newf(errors.CodeResourceNotFound, "workspace", "session %q not found", sessionID)
	}
	s.Status = SessionExpired
	s.LastActivity = time.Now().UTC()
	if err := m.persist(s); err != nil {
		return nil, err
	}
	out := *s
	return &out, nil
}

// ExpireIdle sweeps sessions: idle past the timeout expire, idle past
// half the timeout downgrade to idle. Returns how many expired.
func (m *SessionManager) ExpireIdle() int {
	now := time.Now()
	expired := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Status == SessionExpired {
			continue
		}
		idle := now.Sub(s.LastActivity)
		switch {
		case idle > m.idleTimeout:
			s.Status = SessionExpired
			expired++
			if err := m.persist(s); err != nil {
				m.logger.Warn().Err(err).Str("session_id", s.SessionID).Msg("Failed to persist expired session")
			}
		case idle > m.idleTimeout/2 && s.Status == SessionActive:
			s.Status = SessionIdle
			if err := m.persist(s); err != nil {
				m.logger.Warn().Err(err).Str("session_id", s.SessionID).Msg("Failed to persist idle session")
			}
		}
	}
	if expired > 0 {
		m.logger.Info().Int("expired", expired).Msg("Idle sessions expired")
	}
	return expired
}

// Delete removes a session from memory and disk.
func (m *SessionManager) Delete(sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "workspace", "session %q not found", sessionID)
	}
	if err := os.Remove(filepath.Join(m.dir, sessionID+".json")); err != nil && !os.IsNotExist(err) {
		return errors.New(errors.CodeIoError, "workspace", "failed to delete session file", err)
	}
	return nil
}

func (m *SessionManager) persist(s *Session) error {
	path := filepath.Join(m.dir, s.SessionID+".json")
	if err := store.WriteJSONAtomic(path, s); err != nil {
		return errors.New(errors.CodeIoError, "workspace", "failed to persist session", err)
	}
	return nil
}
