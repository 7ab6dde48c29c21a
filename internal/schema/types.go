package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the variants of a Shape.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindObject    Kind = "object"
	KindArray     Kind = "array"
	KindRef       Kind = "ref"
)

// Shape is one node of a parameter or result type tree. After resolution
// no KindRef nodes remain.
type Shape struct {
	Kind        Kind
	Type        string // primitive type: string, integer, number, boolean
	Description string
	Enum        []string
	Fields      []Field // object fields, sorted by name
	Required    []string
	Items       *Shape // array element shape
	Ref         string // unresolved reference name
}

// Field is a named member of an object shape.
type Field struct {
	Name  string
	Shape *Shape
}

// Document is the raw command-schema input: a list of command definitions
// plus shared type definitions referenced by name.
type Document struct {
	Commands []Command         `json:"commands"`
	Types    map[string]*Shape `json:"types"`
}

// Command is the raw definition of one remote command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Parameters  *Shape `json:"parameters,omitempty"`
	Result      *Shape `json:"result,omitempty"`
	Paginated   bool   `json:"paginated,omitempty"`
	ItemsField  string `json:"itemsField,omitempty"`
}

type rawShape struct {
	Ref         string               `json:"$ref,omitempty"`
	Type        string               `json:"type,omitempty"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Properties  map[string]*Shape    `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Items       *Shape               `json:"items,omitempty"`
}

// UnmarshalJSON parses the JSON-Schema-like wire form into a tagged variant.
// Object fields are sorted by name so that parsing is deterministic
// regardless of key order in the source document.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var raw rawShape
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Description = raw.Description

	switch {
	case raw.Ref != "":
		s.Kind = KindRef
		s.Ref = raw.Ref
	case raw.Type == "object":
		s.Kind = KindObject
		names := make([]string, 0, len(raw.Properties))
		for name := range raw.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		s.Fields = make([]Field, 0, len(names))
		for _, name := range names {
			s.Fields = append(s.Fields, Field{Name: name, Shape: raw.Properties[name]})
		}
		s.Required = append([]string(nil), raw.Required...)
		sort.Strings(s.Required)
	case raw.Type == "array":
		if raw.Items == nil {
			return fmt.Errorf("array shape missing items")
		}
		s.Kind = KindArray
		s.Items = raw.Items
	case raw.Type == "string", raw.Type == "integer", raw.Type == "number", raw.Type == "boolean":
		s.Kind = KindPrimitive
		s.Type = raw.Type
		s.Enum = append([]string(nil), raw.Enum...)
	default:
		return fmt.Errorf("unsupported shape type %q", raw.Type)
	}
	return nil
}

// MarshalJSON renders the shape as a self-contained JSON Schema fragment.
// Objects reject unknown fields so that dispatch validation catches typos.
func (s *Shape) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	switch s.Kind {
	case KindRef:
		out["$ref"] = s.Ref
	case KindObject:
		out["type"] = "object"
		props := map[string]*Shape{}
		for _, f := range s.Fields {
			props[f.Name] = f.Shape
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			out["required"] = s.Required
		}
		out["additionalProperties"] = false
	case KindArray:
		out["type"] = "array"
		out["items"] = s.Items
	case KindPrimitive:
		out["type"] = s.Type
		if len(s.Enum) > 0 {
			out["enum"] = s.Enum
		}
	default:
		return nil, fmt.Errorf("cannot marshal shape of kind %q", s.Kind)
	}
	return json.Marshal(out)
}

// Keywords walks the shape and collects field names and enum values,
// sorted and deduplicated. The result seeds the discovery index text so
// that a query can match on parameter vocabulary, not just prose.
func (s *Shape) Keywords() []string {
	set := map[string]struct{}{}
	s.collectKeywords(set)
	out := make([]string, 0, len(set))
	for kw := range set {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

func (s *Shape) collectKeywords(set map[string]struct{}) {
	if s == nil {
		return
	}
	for _, f := range s.Fields {
		set[f.Name] = struct{}{}
		f.Shape.collectKeywords(set)
	}
	if s.Items != nil {
		s.Items.collectKeywords(set)
	}
	for _, v := range s.Enum {
		set[v] = struct{}{}
	}
}
