package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KindSchema is the built-in kind served by SchemaNode.
const KindSchema = "schema"

// Config is the declarative record a Factory turns into a Node.
type Config struct {
	Name         string   `json:"name" yaml:"name"`
	Kind         string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerFlags []string `json:"triggerFlags" yaml:"triggerFlags"`
	Priority     int      `json:"priority" yaml:"priority"`

	// Schema is an inline JSON schema describing what the node extracts.
	Schema map[string]interface{} `json:"schema,omitempty" yaml:"schema,omitempty"`
	// SchemaRef names a schema resolved through the factory's SchemaSource.
	SchemaRef string `json:"schemaRef,omitempty" yaml:"schemaRef,omitempty"`

	TargetField  string `json:"targetField,omitempty" yaml:"targetField,omitempty"`
	UnwrapField  string `json:"unwrapField,omitempty" yaml:"unwrapField,omitempty"`
	IsMainReport bool   `json:"isMainReport,omitempty" yaml:"isMainReport,omitempty"`

	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// Validator is an optional JavaScript expression evaluated against
	// `result` and `flags`. See ScriptValidator.
	Validator string `json:"validator,omitempty" yaml:"validator,omitempty"`

	// CustomValidator is a Go hook that takes precedence over Validator.
	CustomValidator Validator `json:"-" yaml:"-"`
}

// Definition returns the catalog metadata described by c.
func (c Config) Definition() Definition {
	return Definition{
		Name:         c.Name,
		Description:  c.Description,
		TriggerFlags: c.TriggerFlags,
		Priority:     c.Priority,
		Output: OutputMapping{
			TargetField:  c.TargetField,
			UnwrapField:  c.UnwrapField,
			IsMainReport: c.IsMainReport,
		},
	}
}

// Validate checks the record before any creator sees it.
func (c Config) Validate() error {
	if err := c.Definition().Validate(); err != nil {
		return err
	}
	if len(c.Schema) > 0 && c.SchemaRef != "" {
		return newConfigError(c.Name, "schema", "schema and schemaRef are mutually exclusive")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return newConfigError(c.Name, "temperature", fmt.Sprintf("must be within [0, 2], got %v", *c.Temperature))
	}
	return nil
}

// schemaJSON returns the inline schema as JSON, or nil when there is none.
func (c Config) schemaJSON() (json.RawMessage, error) {
	if len(c.Schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(c.Schema)
	if err != nil {
		return nil, newConfigError(c.Name, "schema", err.Error())
	}
	return raw, nil
}

// SchemaSource resolves named schemas referenced by Config.SchemaRef.
type SchemaSource interface {
	Schema(ref string) (json.RawMessage, error)
}

// MapSchemaSource is an in-memory SchemaSource.
type MapSchemaSource map[string]json.RawMessage

// Schema implements SchemaSource.
func (m MapSchemaSource) Schema(ref string) (json.RawMessage, error) {
	raw, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("schema %q not found", ref)
	}
	return raw, nil
}

// DirSchemaSource resolves a ref to <dir>/<ref>.json.
type DirSchemaSource string

// Schema implements SchemaSource.
func (d DirSchemaSource) Schema(ref string) (json.RawMessage, error) {
	if ref == "" || strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return nil, fmt.Errorf("invalid schema ref %q", ref)
	}
	raw, err := os.ReadFile(filepath.Join(string(d), ref+".json"))
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", ref, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("schema %q is not valid JSON", ref)
	}
	return raw, nil
}
