package workspace

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/store"
)

// Permission names one allowed operation.
type Permission string

const (
	PermJobCreate      Permission = "job.create"
	PermJobRead        Permission = "job.read"
	PermJobCancel      Permission = "job.cancel"
	PermWorkflowCreate Permission = "workflow.create"
	PermWorkflowRead   Permission = "workflow.read"
	PermWorkflowCancel Permission = "workflow.cancel"
	PermSandboxCreate  Permission = "sandbox.create"
	PermSandboxRead    Permission = "sandbox.read"
	PermSandboxStart   Permission = "sandbox.start"
	PermSandboxStop    Permission = "sandbox.stop"
	PermWorkspaceAdmin Permission = "workspace.admin"
)

// RoleTemplates maps role names to their permission sets.
var RoleTemplates = map[string][]Permission{
	"admin": {
		PermJobCreate, PermJobRead, PermJobCancel,
		PermWorkflowCreate, PermWorkflowRead, PermWorkflowCancel,
		PermSandboxCreate, PermSandboxRead, PermSandboxStart, PermSandboxStop,
		PermWorkspaceAdmin,
	},
	"developer": {
		PermJobCreate, PermJobRead, PermJobCancel,
		PermWorkflowCreate, PermWorkflowRead, PermWorkflowCancel,
		PermSandboxCreate, PermSandboxRead, PermSandboxStart, PermSandboxStop,
	},
	"viewer": {PermJobRead, PermWorkflowRead, PermSandboxRead},
	"ci":     {PermJobCreate, PermJobRead, PermWorkflowCreate, PermWorkflowRead},
}

// HasPermission reports whether perms satisfy required; workspace.admin
// grants everything.
func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == PermWorkspaceAdmin || p == required {
			return true
		}
	}
	return false
}

// APIKey is a stored credential. Only the sha256 hash of the plain key is
// persisted; the plain key appears once, at generation time.
type APIKey struct {
	KeyID       string       `json:"key_id"`
	KeyHash     string       `json:"key_hash"`
	KeyPrefix   string       `json:"key_prefix"`
	Name        string       `json:"name"`
	WorkspaceID string       `json:"workspace_id"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	LastUsed    *time.Time   `json:"last_used,omitempty"`
	Revoked     bool         `json:"revoked"`
}

var plainKeyPattern = regexp.MustCompile(`^orcaops_(ws_[A-Za-z0-9]+)_([a-f0-9]+)$`)

// KeyManager issues and validates API keys, one JSON file per key under
// workspaces/<id>/keys/.
type KeyManager struct {
	base   string
	mu     sync.Mutex
	audit  *audit.Logger
	logger zerolog.Logger
}

// NewKeyManager creates the key manager rooted at baseDir. auditLog may
// be nil.
func NewKeyManager(baseDir string, auditLog *audit.Logger, logger zerolog.Logger) *KeyManager {
	return &KeyManager{
		base:   filepath.Join(baseDir, "workspaces"),
		audit:  auditLog,
		logger: logger.With().Str("component", "key_manager").Logger(),
	}
}

// Generate creates a key for the workspace and returns the plain secret
// exactly once. role wins over permissions; both empty falls back to the
// viewer role. expiresIn <= 0 means no expiry.
func (m *KeyManager) Generate(workspaceID, name, role string, permissions []Permission, expiresIn time.Duration) (string, *APIKey, error) {
	perms := permissions
	if role != "" {
		tpl, ok := RoleTemplates[role]
		if !ok {
			return "", nil, errors.Newf(errors.CodeInvalidParameter, "auth", "unknown role %q", role)
		}
		perms = tpl
	}
	if len(perms) == 0 {
		perms = RoleTemplates["viewer"]
	}

	secret := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", nil, errors.New(errors.CodeInternalError, "auth", "failed to draw key material", err)
	}
	plain := "orcaops_" + workspaceID + "_" + hex.EncodeToString(secret)
	sum := sha256.Sum256([]byte(plain))

	keyID := uuid.New()
	key := &APIKey{
		KeyID:       "key_" + hex.EncodeToString(keyID[:8]),
		KeyHash:     hex.EncodeToString(sum[:]),
		KeyPrefix:   plain[:len("orcaops_")+len(workspaceID)+5],
		Name:        name,
		WorkspaceID: workspaceID,
		Permissions: append([]Permission(nil), perms...),
		CreatedAt:   time.Now().UTC(),
	}
	if expiresIn > 0 {
		exp := key.CreatedAt.Add(expiresIn)
		key.ExpiresAt = &exp
	}

	m.mu.Lock()
	err := m.persist(key)
	m.mu.Unlock()
	if err != nil {
		return "", nil, err
	}

	m.auditEvent(audit.ActionKeyCreated, workspaceID, key.KeyID, audit.OutcomeSuccess)
	m.logger.Info().Str("workspace_id", workspaceID).Str("key_id", key.KeyID).Msg("API key created")
	return plain, key, nil
}

// Validate checks a plain key and returns its record on success, touching
// last_used. Revoked and expired keys fail with auth errors.
func (m *KeyManager) Validate(plain string) (*APIKey, error) {
	match := plainKeyPattern.FindStringSubmatch(plain)
	if match == nil {
		return nil, errors.New(errors.CodeAuthFailed, "auth", "malformed API key", nil)
	}
	workspaceID := match[1]

	sum := sha256.Sum256([]byte(plain))
	given := []byte(hex.EncodeToString(sum[:]))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.loadKeys(workspaceID) {
		if subtle.ConstantTimeCompare(given, []byte(key.KeyHash)) != 1 {
			continue
		}
		if key.Revoked {
			return nil, errors.New(errors.CodeAuthFailed, "auth", "API key revoked", nil)
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
			return nil, errors.New(errors.CodeAuthFailed, "auth", "API key expired", nil)
		}
		now := time.Now().UTC()
		key.LastUsed = &now
		if err := m.persist(key); err != nil {
			m.logger.Warn().Err(err).Str("key_id", key.KeyID).Msg("Failed to record key use")
		}
		return key, nil
	}
	return nil, errors.New(errors.CodeAuthFailed, "auth", "unknown API key", nil)
}

// Revoke marks a key revoked.
func (m *KeyManager) Revoke(workspaceID, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.loadKeys(workspaceID) {
		if key.KeyID != keyID {
			continue
		}
		key.Revoked = true
		if err := m.persist(key); err != nil {
			return err
		}
		m.auditEvent(audit.ActionKeyRevoked, workspaceID, keyID, audit.OutcomeSuccess)
		return nil
	}
	return errors.Newf(errors.CodeResourceNotFound, "auth", "no key %s in workspace %s", keyID, workspaceID)
}

// List returns the workspace's active keys with hashes blanked.
func (m *KeyManager) List(workspaceID string) []*APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*APIKey
	for _, key := range m.loadKeys(workspaceID) {
		if key.Revoked {
			continue
		}
		copied := *key
		copied.KeyHash = "***"
		out = append(out, &copied)
	}
	return out
}

// Rotate revokes a key and mints a replacement with the same name and
// permissions. The new plain secret is returned once.
func (m *KeyManager) Rotate(workspaceID, keyID string) (string, *APIKey, error) {
	m.mu.Lock()
	var old *APIKey
	for _, key := range m.loadKeys(workspaceID) {
		if key.KeyID == keyID && !key.Revoked {
			old = key
			break
		}
	}
	m.mu.Unlock()
	if old == nil {
		return "", nil, errors.Newf(errors.CodeResourceNotFound, "auth", "no active key %s in workspace %s", keyID, workspaceID)
	}

	if err := m.Revoke(workspaceID, keyID); err != nil {
		return "", nil, err
	}
	return m.Generate(workspaceID, old.Name, "", old.Permissions, 0)
}

// HasKeys reports whether the workspace has at least one active key.
func (m *KeyManager) HasKeys(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.loadKeys(workspaceID) {
		if !key.Revoked {
			return true
		}
	}
	return false
}

func (m *KeyManager) keysDir(workspaceID string) string {
	return filepath.Join(m.base, workspaceID, "keys")
}

func (m *KeyManager) persist(key *APIKey) error {
	path := filepath.Join(m.keysDir(key.WorkspaceID), key.KeyID+".json")
	if err := store.WriteJSONAtomic(path, key); err != nil {
		return errors.New(errors.CodeIoError, "auth", "failed to persist API key", err)
	}
	return nil
}

func (m *KeyManager) loadKeys(workspaceID string) []*APIKey {
	entries, err := os.ReadDir(m.keysDir(workspaceID))
	if err != nil {
		return nil
	}
	var keys []*APIKey
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var key APIKey
		if err := store.ReadJSON(filepath.Join(m.keysDir(workspaceID), e.Name()), &key); err != nil {
			m.logger.Debug().Err(err).Str("file", e.Name()).Msg("Skipping unreadable key file")
			continue
		}
		keys = append(keys, &key)
	}
	return keys
}

func (m *KeyManager) auditEvent(action, workspaceID, keyID string, outcome audit.Outcome) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(audit.Event{
		WorkspaceID:  workspaceID,
		ActorType:    "system",
		ActorID:      "key_manager",
		Action:       action,
		ResourceType: "api_key",
		ResourceID:   keyID,
		Outcome:      outcome,
	}); err != nil {
		m.logger.Warn().Err(err).Str("action", action).Msg("Audit append failed")
	}
}
