// Package policy validates job specs against image and command rules and
// produces the container hardening options. A global policy merges with
// the submitting workspace: the workspace replaces the allow-list when it
// defines one, deny-lists union.
package policy

import (
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
	"sigs.k8s.io/yaml"

	"github.com/orcaops/orcaops/pkg/audit"
	"github.com/orcaops/orcaops/pkg/backend"
	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

// SecurityPolicy is the operator-defined rule set. The zero value allows
// everything.
type SecurityPolicy struct {
	AllowedImages          []string `json:"allowed_images,omitempty"`
	BlockedImages          []string `json:"blocked_images,omitempty"`
	BlockedCommands        []string `json:"blocked_commands,omitempty"`
	BlockedCommandPatterns []string `json:"blocked_command_patterns,omitempty"`
	RequireDigest          bool     `json:"require_digest,omitempty"`
}

// Result is the outcome of one validation.
type Result struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
	PolicyName string   `json:"policy_name"`
}

// LoadPolicyFile reads a policy from a JSON or YAML file.
func LoadPolicyFile(data []byte) (SecurityPolicy, error) {
	var p SecurityPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return SecurityPolicy{}, errors.New(errors.CodeConfigurationInvalid, "policy", "unparsable policy file", err)
	}
	return p, nil
}

// Engine evaluates policies. The active global policy swaps atomically
// under the engine's lock, so a hot reload never tears a validation.
type Engine struct {
	mu       sync.RWMutex
	global   SecurityPolicy
	patterns []*regexp.Regexp
	audit    *audit.Logger
	logger   zerolog.Logger
}

// NewEngine creates an engine with the given global policy. auditLog may
// be nil.
func NewEngine(global SecurityPolicy, auditLog *audit.Logger, logger zerolog.Logger) *Engine {
	e := &Engine{
		audit:  auditLog,
		logger: logger.With().Str("component", "policy_engine").Logger(),
	}
	e.SetPolicy(global)
	return e
}

// SetPolicy replaces the global policy. Invalid regex patterns are
// dropped with a warning.
func (e *Engine) SetPolicy(p SecurityPolicy) {
	patterns := make([]*regexp.Regexp, 0, len(p.BlockedCommandPatterns))
	for _, raw := range p.BlockedCommandPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			e.logger.Warn().Str("pattern", raw).Msg("Dropping invalid blocked-command pattern")
			continue
		}
		patterns = append(patterns, re)
	}

	e.mu.Lock()
	e.global = p
	e.patterns = patterns
	e.mu.Unlock()
}

// Policy returns a copy of the active global policy.
func (e *Engine) Policy() SecurityPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.global
}

// ValidateImage checks an image reference against the merged allow and
// deny lists. ws may be nil for global-only validation.
func (e *Engine) ValidateImage(image string, ws *schema.Workspace) Result {
	e.mu.RLock()
	allowed := e.global.AllowedImages
	blocked := append([]string(nil), e.global.BlockedImages...)
	requireDigest := e.global.RequireDigest
	e.mu.RUnlock()

	if ws != nil {
		if len(ws.Settings.AllowedImages) > 0 {
			allowed = ws.Settings.AllowedImages
		}
		blocked = append(blocked, ws.Settings.BlockedImages...)
	}

	var violations []string
	for _, pattern := range blocked {
		if e.globMatch(pattern, image) {
			violations = append(violations, "image '"+image+"' is blocked by pattern '"+pattern+"'")
		}
	}
	if len(allowed) > 0 {
		ok := false
		for _, pattern := range allowed {
			if e.globMatch(pattern, image) {
				ok = true
				break
			}
		}
		if !ok {
			violations = append(violations, "image '"+image+"' matches no allowed pattern")
		}
	}
	if requireDigest && !strings.Contains(image, "@sha256:") {
		violations = append(violations, "image '"+image+"' must be pinned by digest")
	}

	return Result{Allowed: len(violations) == 0, Violations: violations, PolicyName: "image_policy"}
}

// ValidateCommand checks one argv against blocked commands and patterns.
func (e *Engine) ValidateCommand(cmd schema.Command) Result {
	joined := strings.TrimSpace(strings.Join(cmd, " "))

	e.mu.RLock()
	blockedCommands := e.global.BlockedCommands
	patterns := e.patterns
	e.mu.RUnlock()

	var violations []string
	for _, b := range blockedCommands {
		if joined == strings.TrimSpace(b) {
			violations = append(violations, "command matches blocked command '"+b+"'")
		}
	}
	for _, re := range patterns {
		if re.MatchString(joined) {
			violations = append(violations, "command matches blocked pattern '"+re.String()+"'")
		}
	}

	return Result{Allowed: len(violations) == 0, Violations: violations, PolicyName: "command_policy"}
}

// ValidateJob checks the image then each command in order, stopping at
// the first denial. Violations are audited regardless of the caller's
// next move.
func (e *Engine) ValidateJob(spec *schema.JobSpec, ws *schema.Workspace) Result {
	if res := e.ValidateImage(spec.Image, ws); !res.Allowed {
		return e.deny(spec, ws, res.Violations)
	}
	for _, cmd := range spec.Commands {
		if res := e.ValidateCommand(cmd); !res.Allowed {
			return e.deny(spec, ws, res.Violations)
		}
	}
	return Result{Allowed: true, PolicyName: "job_validation"}
}

func (e *Engine) deny(spec *schema.JobSpec, ws *schema.Workspace, violations []string) Result {
	workspaceID := spec.WorkspaceID
	if ws != nil {
		workspaceID = ws.ID
	}
	e.logger.Warn().
		Str("job_id", spec.JobID).
		Str("workspace_id", workspaceID).
		Strs("violations", violations).
		Msg("Job denied by policy")

	if e.audit != nil {
		details := make(map[string]interface{}, 1)
		details["violations"] = violations
		if err := e.audit.Log(audit.Event{
			WorkspaceID:  workspaceID,
			ActorType:    "system",
			ActorID:      "policy_engine",
			Action:       audit.ActionPolicyViolated,
			ResourceType: "job",
			ResourceID:   spec.JobID,
			Details:      details,
			Outcome:      audit.OutcomeDenied,
		}); err != nil {
			e.logger.Warn().Err(err).Msg("Audit append failed")
		}
	}
	return Result{Allowed: false, Violations: violations, PolicyName: "job_validation"}
}

// SecurityOpts returns the hardening vector for a workspace: all
// capabilities dropped, no-new-privileges, and a read-only rootfs only
// when the workspace opts in.
func (e *Engine) SecurityOpts(ws *schema.Workspace) backend.SecurityOpts {
	opts := backend.SecurityOpts{
		DropAllCapabilities: true,
		NoNewPrivileges:     true,
	}
	if ws != nil {
		opts.ReadOnlyRootfs = ws.Settings.ReadOnlyRootfs
	}
	return opts
}

// globMatch applies a filename-style wildcard pattern.
func (e *Engine) globMatch(pattern, s string) bool {
	g, err := glob.Compile(pattern)
	if err != nil {
		e.logger.Debug().Str("pattern", pattern).Msg("Skipping invalid glob pattern")
		return false
	}
	return g.Match(s)
}
