// Package schema validates plugin manifests against JSON Schema documents.
//
// The validator understands the commonly used subset of JSON Schema
// (types, properties, required, items, enum, const, numeric and string
// bounds, pattern, format, combinators and local $ref) and is extended with
// pluggable formats and keywords. Keywords not recognised by the vocabulary
// are kept on the parsed Schema and dispatched to registered KeywordFuncs.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

//go:embed plugin.schema.json
var schemaFS embed.FS

// PluginSchemaID is the $id of the embedded plugin manifest schema.
const PluginSchemaID = "plugin"

// Schema represents a JSON Schema definition.
type Schema struct {
	ID            string `json:"$id,omitempty"`
	SchemaVersion string `json:"$schema,omitempty"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`

	// Type is the JSON type (string, number, integer, boolean, array, object, null).
	Type SchemaType `json:"type,omitempty"`

	Properties map[string]*Schema `json:"properties,omitempty"`

	// AdditionalProperties controls whether extra properties are allowed.
	AdditionalProperties *bool `json:"additionalProperties,omitempty"`

	Required []string `json:"required,omitempty"`
	Items    *Schema  `json:"items,omitempty"`
	Enum     []any    `json:"enum,omitempty"`
	Const    any      `json:"const,omitempty"`

	// Default is applied to missing object properties when the validator
	// runs with defaults enabled.
	Default any `json:"default,omitempty"`

	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`
	MultipleOf       *float64 `json:"multipleOf,omitempty"`

	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	// Format names a registered format checker (e.g. "semver", "uint32").
	Format string `json:"format,omitempty"`

	MinItems    *int `json:"minItems,omitempty"`
	MaxItems    *int `json:"maxItems,omitempty"`
	UniqueItems bool `json:"uniqueItems,omitempty"`

	AllOf []*Schema `json:"allOf,omitempty"`
	AnyOf []*Schema `json:"anyOf,omitempty"`
	OneOf []*Schema `json:"oneOf,omitempty"`
	Not   *Schema   `json:"not,omitempty"`

	// Ref references a definition in the root document ("#/$defs/Name").
	Ref  string             `json:"$ref,omitempty"`
	Defs map[string]*Schema `json:"$defs,omitempty"`

	// Keywords holds every member outside the vocabulary above, keyed by
	// name, with its raw decoded parameter.
	Keywords map[string]any `json:"-"`
}

var knownKeywords = map[string]bool{
	"$id": true, "$schema": true, "title": true, "description": true, "type": true,
	"properties": true, "additionalProperties": true, "required": true, "items": true,
	"enum": true, "const": true, "default": true, "minimum": true, "maximum": true,
	"exclusiveMinimum": true, "exclusiveMaximum": true, "multipleOf": true,
	"minLength": true, "maxLength": true, "pattern": true, "format": true,
	"minItems": true, "maxItems": true, "uniqueItems": true, "allOf": true,
	"anyOf": true, "oneOf": true, "not": true, "$ref": true, "$defs": true,
	"examples": true, "$comment": true,
}

// UnmarshalJSON decodes the vocabulary fields and collects the remaining
// members into Keywords.
func (s *Schema) UnmarshalJSON(data []byte) error {
	type plain Schema
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name, msg := range raw {
		if knownKeywords[name] {
			continue
		}
		var param any
		if err := json.Unmarshal(msg, &param); err != nil {
			return errors.Wrapf(err, "keyword %q", name)
		}
		if p.Keywords == nil {
			p.Keywords = make(map[string]any)
		}
		p.Keywords[name] = param
	}

	*s = Schema(p)
	return nil
}

// SchemaType represents JSON Schema type(s).
// Can be a single type or an array of types.
type SchemaType struct {
	Types []string
}

// UnmarshalJSON handles both single type and array of types.
func (t *SchemaType) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		t.Types = []string{single}
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return errors.Wrap(err, "type must be string or array of strings")
	}
	t.Types = arr
	return nil
}

// MarshalJSON outputs single type as string, multiple as array.
func (t SchemaType) MarshalJSON() ([]byte, error) {
	if len(t.Types) == 1 {
		return json.Marshal(t.Types[0])
	}
	return json.Marshal(t.Types)
}

// Is checks if the schema type includes the given type.
func (t SchemaType) Is(typ string) bool {
	for _, st := range t.Types {
		if st == typ {
			return true
		}
	}
	return false
}

// IsEmpty returns true if no types are defined.
func (t SchemaType) IsEmpty() bool {
	return len(t.Types) == 0
}

func (t SchemaType) String() string {
	if len(t.Types) == 1 {
		return t.Types[0]
	}
	return fmt.Sprintf("%v", t.Types)
}

// Parse parses a JSON Schema from bytes.
func Parse(data []byte) (*Schema, error) {
	s := &Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "parse schema")
	}
	return s, nil
}

// PluginSchema returns a freshly parsed copy of the embedded plugin manifest schema.
func PluginSchema() (*Schema, error) {
	data, err := schemaFS.ReadFile("plugin.schema.json")
	if err != nil {
		return nil, errors.Wrap(err, "read embedded plugin schema")
	}
	return Parse(data)
}

// AllowsAdditionalProperties returns whether additional properties are allowed.
func (s *Schema) AllowsAdditionalProperties() bool {
	if s.AdditionalProperties == nil {
		return true
	}
	return *s.AdditionalProperties
}

// walk visits s and every schema nested inside it.
func (s *Schema) walk(fn func(*Schema) error) error {
	if s == nil {
		return nil
	}
	if err := fn(s); err != nil {
		return err
	}
	children := make([]*Schema, 0, len(s.Properties)+len(s.Defs)+len(s.AllOf)+len(s.AnyOf)+len(s.OneOf)+2)
	for _, c := range s.Properties {
		children = append(children, c)
	}
	for _, c := range s.Defs {
		children = append(children, c)
	}
	children = append(children, s.AllOf...)
	children = append(children, s.AnyOf...)
	children = append(children, s.OneOf...)
	children = append(children, s.Items, s.Not)
	for _, c := range children {
		if err := c.walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// lookupDef resolves a local "#/$defs/Name" reference against s.
func (s *Schema) lookupDef(ref string) *Schema {
	if s == nil || s.Defs == nil || !strings.HasPrefix(ref, "#/$defs/") {
		return nil
	}
	return s.Defs[strings.TrimPrefix(ref, "#/$defs/")]
}
