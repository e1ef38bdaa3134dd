package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/halim/nia/pkg/fault"
)

// Registry maps capability names to their schemas and executors. It is
// read-mostly after startup: lookups take a shared lock, registration an
// exclusive one.
type Registry struct {
	defs    map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	rawDocs map[string]json.RawMessage
	mu      sync.RWMutex
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		rawDocs: make(map[string]json.RawMessage),
	}
}

// Register validates the definition, compiles its argument schema, and adds
// it under its name. Names are unique; registering a taken name fails.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	doc, err := schemaDocument(def)
	if err != nil {
		return fmt.Errorf("failed to build schema for %s: %w", def.Name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fault.New(fault.KindValidation, "tools.register",
			fmt.Sprintf("tool %s is already registered", def.Name))
	}

	r.defs[def.Name] = &def
	r.schemas[def.Name] = compiled
	r.rawDocs[def.Name] = doc

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a capability.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.defs, name)
	delete(r.schemas, name)
	delete(r.rawDocs, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// Get returns the definition for name, or nil when unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defs[name]
}

// List returns the registered capability names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.defs)
}

// Schemas returns the provider-facing schema list, sorted by name so the
// built prompt is stable across runs.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]Schema, 0, len(r.defs))
	for name, def := range r.defs {
		schemas = append(schemas, Schema{
			Name:        name,
			Description: def.Description,
			Parameters:  r.rawDocs[name],
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })

	return schemas
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// schemaDocument renders the JSON Schema for a definition. Unknown argument
// names are rejected at validation time, so a model cannot smuggle extras
// past the declared surface.
func schemaDocument(def Definition) (json.RawMessage, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop

		if param.Required {
			required = append(required, param.Name)
		}
	}

	doc := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}

	return json.Marshal(doc)
}
