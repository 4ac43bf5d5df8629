// Package registry provides the static stage catalog: each stage's instruction
// template, expected result shape, and default backend routing.
//
// The registry is read-only after construction; the executor and router only
// ever look things up. Pure lookup, no per-session state.
package registry

import (
	"fmt"
	"sort"
)

// Routing identifies the backend and model a stage runs on, with an optional
// fallback tried when the primary fails.
type Routing struct {
	PrimaryBackend  string `json:"primary_backend"`
	PrimaryModel    string `json:"primary_model"`
	FallbackBackend string `json:"fallback_backend,omitempty"`
	FallbackModel   string `json:"fallback_model,omitempty"`
}

// HasFallback reports whether a fallback backend is configured.
func (r *Routing) HasFallback() bool {
	return r != nil && r.FallbackBackend != ""
}

// RoutingProvider resolves default routing for a stage. The Registry is the
// in-process implementation; deployments with a capability cache can supply
// their own.
type RoutingProvider interface {
	DefaultRouting(stageName string) (*Routing, error)
}

// StageSpec describes one stage: its instruction template, the shape its
// envelopes must satisfy, and its routing.
type StageSpec struct {
	// Name is the unique stage name.
	Name string `json:"name"`

	// Template is the fixed system-level directive sent on every invocation.
	Template string `json:"template"`

	// AllowedCodes restricts the envelope `code` values this stage may return.
	// Empty means any code is accepted.
	AllowedCodes []string `json:"allowed_codes,omitempty"`

	// RequiredDataFields must be present in the envelope data payload of a
	// successful result. Empty means no data requirements.
	RequiredDataFields []string `json:"required_data_fields,omitempty"`

	// Routing overrides the registry default for this stage. Nil means the
	// RoutingProvider decides.
	Routing *Routing `json:"routing,omitempty"`
}

// Validate validates the stage spec.
func (s *StageSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("StageSpec.Name is required")
	}
	if s.Template == "" {
		return fmt.Errorf("stage %q has no instruction template", s.Name)
	}
	return nil
}

// AllowsCode reports whether a result code is acceptable for this stage.
func (s *StageSpec) AllowsCode(code string) bool {
	if len(s.AllowedCodes) == 0 {
		return true
	}
	for _, c := range s.AllowedCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Registry is the stage catalog.
type Registry struct {
	stages  map[string]*StageSpec
	routing *Routing // catalog-wide default routing
}

// New creates a Registry from stage specs and a catalog-wide default routing.
// The default routing applies to every stage without its own Routing.
func New(specs []*StageSpec, defaultRouting *Routing) (*Registry, error) {
	stages := make(map[string]*StageSpec, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := stages[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name: %s", spec.Name)
		}
		stages[spec.Name] = spec
	}
	return &Registry{stages: stages, routing: defaultRouting}, nil
}

// Get returns the spec for a stage name, or nil if unknown.
func (r *Registry) Get(name string) *StageSpec {
	return r.stages[name]
}

// Names returns all registered stage names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRouting implements RoutingProvider. Stage-level routing wins over the
// catalog default; a stage with neither is a configuration error.
func (r *Registry) DefaultRouting(stageName string) (*Routing, error) {
	spec := r.stages[stageName]
	if spec != nil && spec.Routing != nil {
		return spec.Routing, nil
	}
	if r.routing != nil && r.routing.PrimaryBackend != "" {
		return r.routing, nil
	}
	return nil, fmt.Errorf("no routing configured for stage %q", stageName)
}
