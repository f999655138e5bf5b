// Package tool defines the schema-validated callable contracts the planning
// loop may invoke, and the registry that owns them.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/harleycoops/deepagent/internal/model"
)

// SideEffect classifies what a tool invocation may touch.
type SideEffect string

const (
	SideEffectRead        SideEffect = "read"
	SideEffectWrite       SideEffect = "write"
	SideEffectExternal    SideEffect = "external_call"
	SideEffectDestructive SideEffect = "destructive"
)

// InvokeFunc executes one tool call. The returned string is the observation
// fed back to the planning loop.
type InvokeFunc func(ctx context.Context, args map[string]any) (string, error)

// Spec is a callable contract: name, parameter schema, side-effect class, and
// implementation. Immutable after registration except for removal.
type Spec struct {
	Name            string
	Description     string
	ParameterSchema map[string]any
	SideEffect      SideEffect
	Invoke          InvokeFunc

	compiled *jsonschema.Schema
}

// compileSchema builds the validator for ParameterSchema. A nil schema means
// the tool accepts any arguments.
func (s *Spec) compileSchema() error {
	if s.ParameterSchema == nil {
		return nil
	}

	raw, err := json.Marshal(s.ParameterSchema)
	if err != nil {
		return &model.SchemaError{Tool: s.Name, Reason: fmt.Sprintf("marshal schema: %v", err)}
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://deepagent.schemas.local/tools/%s.schema.json", s.Name)
	if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return &model.SchemaError{Tool: s.Name, Reason: fmt.Sprintf("load schema: %v", err)}
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return &model.SchemaError{Tool: s.Name, Reason: fmt.Sprintf("compile schema: %v", err)}
	}
	s.compiled = compiled
	return nil
}

// ValidateArgs checks args against the compiled parameter schema.
func (s *Spec) ValidateArgs(args map[string]any) error {
	if s.compiled == nil {
		return nil
	}
	// jsonschema validates generic values; map[string]any round-trips fine.
	var subject any = map[string]any{}
	if args != nil {
		subject = args
	}
	if err := s.compiled.Validate(subject); err != nil {
		return &model.InvalidArgumentsError{Tool: s.Name, Reason: err.Error()}
	}
	return nil
}

// Compile builds the schema validator for a spec constructed outside the
// registry. Register and Upsert compile automatically.
func (s *Spec) Compile() error {
	return s.compileSchema()
}

// CompileSchemaCheck validates that a raw parameter schema compiles, without
// attaching it to a spec. Used by the adapter builder's static checks.
func CompileSchemaCheck(toolName string, schema map[string]any) error {
	s := &Spec{Name: toolName, ParameterSchema: schema}
	return s.compileSchema()
}
