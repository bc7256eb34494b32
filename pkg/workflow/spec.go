// Package workflow compiles and executes dependency-ordered job graphs:
// YAML spec parsing, level scheduling over a DAG, condition gating,
// matrix expansion, service containers, and the workflow registry.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

// OnComplete gating values for a workflow job.
const (
	OnCompleteSuccess = "success"
	OnCompleteFailure = "failure"
	OnCompleteAlways  = "always"
)

const defaultJobTimeoutSeconds = 300

// Spec is a workflow definition: a named set of jobs with dependency
// edges, shared environment, and an overall deadline.
type Spec struct {
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	Env            map[string]string    `json:"env,omitempty"`
	Jobs           map[string]*Job      `json:"jobs"`
	TimeoutSeconds int                  `json:"timeout,omitempty"`
	CleanupPolicy  schema.CleanupPolicy `json:"cleanup_policy,omitempty"`
	WorkspaceID    string               `json:"workspace_id,omitempty"`
}

// Job is one node of the workflow graph.
type Job struct {
	Name            string               `json:"name,omitempty"`
	Image           string               `json:"image"`
	Commands        []Command            `json:"commands"`
	Requires        []string             `json:"requires,omitempty"`
	ParallelWith    []string             `json:"parallel_with,omitempty"`
	IfCondition     string               `json:"if_condition,omitempty"`
	UnlessCondition string               `json:"unless_condition,omitempty"`
	OnComplete      string               `json:"on_complete,omitempty"`
	Services        ServiceSet           `json:"services,omitempty"`
	Artifacts       []string             `json:"artifacts,omitempty"`
	TimeoutSeconds  int                  `json:"timeout,omitempty"`
	Env             map[string]string    `json:"env,omitempty"`
	Matrix          *Matrix              `json:"matrix,omitempty"`
	CleanupPolicy   schema.CleanupPolicy `json:"cleanup_policy,omitempty"`
}

// Command is one workflow step. YAML accepts either argv form
// (["pytest", "-q"]) or a shell string ("make test"); shell strings run
// through /bin/sh -c.
type Command schema.Command

func (c *Command) UnmarshalJSON(data []byte) error {
	var argv []string
	if err := json.Unmarshal(data, &argv); err == nil {
		*c = Command(argv)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("command must be a string or a string list")
	}
	*c = Command{"/bin/sh", "-c", s}
	return nil
}

// Service is a dependency container started alongside a workflow job.
// The health check command is exec'd inside the container until it exits
// zero; without one, a TCP probe against the port gates readiness.
type Service struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env,omitempty"`
	HealthCheck schema.Command    `json:"health_check,omitempty"`
	Port        int               `json:"port,omitempty"`
}

// ServiceSet maps service aliases to their definitions. YAML accepts a
// shorthand list form where each entry is an image reference; the alias
// is derived from the image basename ("postgres:15" becomes "postgres").
type ServiceSet map[string]*Service

func (s *ServiceSet) UnmarshalJSON(data []byte) error {
	var full map[string]*Service
	if err := json.Unmarshal(data, &full); err == nil {
		*s = full
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("services must be a mapping or a list")
	}
	out := ServiceSet{}
	for _, item := range items {
		var image string
		if err := json.Unmarshal(item, &image); err == nil {
			out[serviceAlias(image)] = &Service{Image: image}
			continue
		}
		var one map[string]*Service
		if err := json.Unmarshal(item, &one); err != nil {
			return fmt.Errorf("service list entries must be image strings or single-alias mappings")
		}
		for alias, def := range one {
			out[alias] = def
		}
	}
	*s = out
	return nil
}

// serviceAlias derives the default alias from an image reference:
// registry and tag stripped.
func serviceAlias(image string) string {
	base := image
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.Index(base, ":"); i >= 0 {
		base = base[:i]
	}
	return base
}

// Matrix expands one job into the Cartesian product of its axes, minus
// exclude combinations, plus include combinations. YAML accepts a
// shorthand where axes sit directly under matrix without the axes key.
type Matrix struct {
	Axes    map[string][]string `json:"axes,omitempty"`
	Exclude []map[string]string `json:"exclude,omitempty"`
	Include []map[string]string `json:"include,omitempty"`
}

func (m *Matrix) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("matrix must be a mapping")
	}

	out := Matrix{}
	if axes, ok := raw["axes"]; ok {
		parsed, err := parseAxes(axes)
		if err != nil {
			return err
		}
		out.Axes = parsed
		delete(raw, "axes")
	}
	if exc, ok := raw["exclude"]; ok {
		if err := json.Unmarshal(exc, &out.Exclude); err != nil {
			return fmt.Errorf("matrix exclude must be a list of mappings")
		}
		delete(raw, "exclude")
	}
	if inc, ok := raw["include"]; ok {
		if err := json.Unmarshal(inc, &out.Include); err != nil {
			return fmt.Errorf("matrix include must be a list of mappings")
		}
		delete(raw, "include")
	}

	// Shorthand: remaining keys are axes.
	for key, val := range raw {
		if out.Axes == nil {
			out.Axes = map[string][]string{}
		}
		values, err := parseAxisValues(val)
		if err != nil {
			return fmt.Errorf("matrix axis %q: %v", key, err)
		}
		out.Axes[key] = values
	}

	*m = out
	return nil
}

func parseAxes(data json.RawMessage) (map[string][]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("matrix axes must be a mapping")
	}
	out := make(map[string][]string, len(raw))
	for key, val := range raw {
		values, err := parseAxisValues(val)
		if err != nil {
			return nil, fmt.Errorf("matrix axis %q: %v", key, err)
		}
		out[key] = values
	}
	return out, nil
}

// parseAxisValues accepts strings, numbers and booleans as axis values,
// normalizing everything to strings.
func parseAxisValues(data json.RawMessage) ([]string, error) {
	var items []interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("must be a list")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64, bool, json.Number:
			out = append(out, fmt.Sprintf("%v", v))
		default:
			return nil, fmt.Errorf("unsupported value %v", item)
		}
	}
	return out, nil
}

// LoadSpec reads and validates a workflow spec from a YAML file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeIoError, "workflow", "failed to read workflow file", err)
	}
	return ParseSpec(data)
}

// ParseSpec parses, normalizes and validates a workflow spec.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, errors.New(errors.CodeValidationFailed, "workflow", "malformed workflow spec", err)
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Normalize fills job names from the map keys and applies defaults.
func (s *Spec) Normalize() {
	for name, job := range s.Jobs {
		if job == nil {
			continue
		}
		if job.Name == "" {
			job.Name = name
		}
		if job.OnComplete == "" {
			job.OnComplete = OnCompleteSuccess
		}
		if job.TimeoutSeconds <= 0 {
			job.TimeoutSeconds = defaultJobTimeoutSeconds
		}
		if job.CleanupPolicy == "" {
			job.CleanupPolicy = s.CleanupPolicy
		}
	}
}

var serviceAliasPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Validate checks the spec shape, references, conditions, and the graph
// itself. Normalize should run first.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New(errors.CodeValidationFailed, "workflow", "workflow name is required", nil)
	}
	if len(s.Jobs) == 0 {
		return errors.New(errors.CodeValidationFailed, "workflow", "workflow has no jobs", nil)
	}
	if s.TimeoutSeconds < 0 {
		return errors.New(errors.CodeValidationFailed, "workflow", "timeout must not be negative", nil)
	}
	if s.CleanupPolicy != "" && !s.CleanupPolicy.Valid() {
		return errors.Newf(errors.CodeValidationFailed, "workflow", "unknown cleanup_policy %q", s.CleanupPolicy)
	}

	for name, job := range s.Jobs {
		if job == nil {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q is empty", name)
		}
		if err := s.validateJob(name, job); err != nil {
			return err
		}
	}

	// Rejects unknown requires references and cycles.
	if _, err := compileLevels(s); err != nil {
		return err
	}
	return nil
}

func (s *Spec) validateJob(name string, job *Job) error {
	if strings.TrimSpace(job.Image) == "" {
		return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q has no image", name)
	}
	if len(job.Commands) == 0 {
		return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q has no commands", name)
	}
	for i, cmd := range job.Commands {
		if len(cmd) == 0 {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q command %d is empty", name, i)
		}
	}
	switch job.OnComplete {
	case OnCompleteSuccess, OnCompleteFailure, OnCompleteAlways:
	default:
		return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q has unknown on_complete %q", name, job.OnComplete)
	}
	if job.CleanupPolicy != "" && !job.CleanupPolicy.Valid() {
		return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q has unknown cleanup_policy %q", name, job.CleanupPolicy)
	}

	for _, ref := range job.ParallelWith {
		if _, ok := s.Jobs[ref]; !ok {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q parallel_with unknown job %q", name, ref)
		}
	}

	if job.IfCondition != "" {
		if _, err := ParseCondition(job.IfCondition); err != nil {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q if_condition: %v", name, err)
		}
	}
	if job.UnlessCondition != "" {
		if _, err := ParseCondition(job.UnlessCondition); err != nil {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q unless_condition: %v", name, err)
		}
	}

	if job.Matrix != nil {
		for axis, values := range job.Matrix.Axes {
			if !matrixAxisPattern.MatchString(axis) {
				return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q matrix axis %q has an invalid name", name, axis)
			}
			if len(values) == 0 {
				return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q matrix axis %q has no values", name, axis)
			}
		}
	}

	for alias, svc := range job.Services {
		if !serviceAliasPattern.MatchString(alias) {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q service alias %q is invalid", name, alias)
		}
		if svc == nil || strings.TrimSpace(svc.Image) == "" {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q service %q has no image", name, alias)
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return errors.Newf(errors.CodeValidationFailed, "workflow", "job %q service %q port %d out of range", name, alias, svc.Port)
		}
	}
	return nil
}

var matrixAxisPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
