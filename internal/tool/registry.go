package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/harleycoops/deepagent/internal/model"
)

// Registry maps tool names to their specs. It is owned by one sandbox
// session; mutation happens only at bootstrap and at adapter deploy time,
// never in the middle of an ACT step. The planning loop reads through
// Snapshot so one iteration always sees a consistent registry.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds a new tool. Duplicate names are rejected; use Upsert for
// re-deployments.
func (r *Registry) Register(spec *Spec) error {
	if err := spec.compileSchema(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Upsert adds or replaces a tool. Deploying the same adapter twice therefore
// leaves each tool registered exactly once.
func (r *Registry) Upsert(spec *Spec) error {
	if err := spec.compileSchema(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// Remove deletes a tool by name. Removing an absent tool is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, name)
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, &model.UnknownToolError{Name: name}
	}
	return spec, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Snapshot returns an immutable view of the registry. A planning-loop
// iteration executes against one snapshot, so a concurrent deploy never
// changes the tool set mid-iteration.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make(map[string]*Spec, len(r.specs))
	for name, spec := range r.specs {
		specs[name] = spec
	}
	return &Snapshot{specs: specs}
}

// Snapshot is a point-in-time copy of the registry contents.
type Snapshot struct {
	specs map[string]*Spec
}

func (s *Snapshot) Lookup(name string) (*Spec, error) {
	spec, ok := s.specs[name]
	if !ok {
		return nil, &model.UnknownToolError{Name: name}
	}
	return spec, nil
}

func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptions renders the snapshot as name/description/schema triples for
// the oracle prompt.
func (s *Snapshot) Descriptions() []Description {
	descs := make([]Description, 0, len(s.specs))
	for _, name := range s.Names() {
		spec := s.specs[name]
		descs = append(descs, Description{
			Name:            spec.Name,
			Description:     spec.Description,
			ParameterSchema: spec.ParameterSchema,
			SideEffect:      spec.SideEffect,
		})
	}
	return descs
}

// Description is the oracle-facing view of one tool.
type Description struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema,omitempty"`
	SideEffect      SideEffect     `json:"side_effect"`
}
