package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// MaxToolName bounds derived tool names. Names that collide after
// truncation abort the build.
const MaxToolName = 64

// Descriptor is the resolved, self-contained view of one command. Created
// once at build time and never mutated afterwards.
type Descriptor struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Parameters  *Shape `json:"parameters,omitempty"`
	Result      *Shape `json:"result,omitempty"`
	Paginated   bool   `json:"paginated,omitempty"`
	ItemsField  string `json:"itemsField,omitempty"`
}

// SearchText is the text a descriptor contributes to the discovery index:
// prose plus the parameter vocabulary.
func (d *Descriptor) SearchText() string {
	parts := []string{d.Name + ": " + d.Description}
	if d.Parameters != nil {
		if kws := d.Parameters.Keywords(); len(kws) > 0 {
			parts = append(parts, strings.Join(kws, " "))
		}
	}
	return strings.Join(parts, " ")
}

// ResolutionError reports a fatal schema-resolution failure. It aborts
// startup; no partially built catalog is ever served.
type ResolutionError struct {
	Command string
	Ref     string
	Reason  string
}

func (e *ResolutionError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("schema resolution failed for command %q at reference %q: %s", e.Command, e.Ref, e.Reason)
	}
	return fmt.Sprintf("schema resolution failed for command %q: %s", e.Command, e.Reason)
}

// categoryShortNames is the fixed category prefix table. Categories absent
// from the table fall back to their own snake_case form.
var categoryShortNames = map[string]string{
	"Application Commands":    "app",
	"Project Commands":        "project",
	"Element Commands":        "elements",
	"Attribute Commands":      "attributes",
	"Layer Commands":          "layers",
	"Property Commands":       "properties",
	"Classification Commands": "classify",
	"Navigator Commands":      "navigator",
	"Teamwork Commands":       "teamwork",
	"Library Commands":        "library",
	"Issue Management Commands": "issues",
	"Developer Commands":      "dev",
}

// Resolve expands every named reference in the document into self-contained
// descriptors, in document order. Reference cycles and name collisions are
// fatal: the caller must not serve dispatch from a partial result.
// Resolution is idempotent; resolving the same document twice yields
// byte-identical descriptors.
func Resolve(doc *Document) ([]*Descriptor, error) {
	descs := make([]*Descriptor, 0, len(doc.Commands))
	seen := map[string]string{} // derived name -> command

	for i := range doc.Commands {
		cmd := &doc.Commands[i]
		if cmd.Name == "" {
			return nil, &ResolutionError{Command: cmd.Name, Reason: "command has no name"}
		}

		params, err := resolveShape(cmd.Parameters, doc.Types, cmd.Name, nil)
		if err != nil {
			return nil, err
		}
		result, err := resolveShape(cmd.Result, doc.Types, cmd.Name, nil)
		if err != nil {
			return nil, err
		}
		if cmd.Paginated && cmd.ItemsField == "" {
			return nil, &ResolutionError{Command: cmd.Name, Reason: "paginated command has no itemsField"}
		}

		name := DeriveToolName(cmd.Category, cmd.Name)
		if prev, ok := seen[name]; ok {
			return nil, &ResolutionError{
				Command: cmd.Name,
				Reason:  fmt.Sprintf("derived tool name %q collides with command %q", name, prev),
			}
		}
		seen[name] = cmd.Name

		descs = append(descs, &Descriptor{
			Name:        name,
			Command:     cmd.Name,
			Category:    cmd.Category,
			Description: cmd.Description,
			Parameters:  params,
			Result:      result,
			Paginated:   cmd.Paginated,
			ItemsField:  cmd.ItemsField,
		})
	}
	return descs, nil
}

// resolveShape returns a copy of s with every reference expanded. The path
// set holds reference names on the current resolution path; revisiting one
// means the type graph has a cycle.
func resolveShape(s *Shape, types map[string]*Shape, cmd string, path map[string]bool) (*Shape, error) {
	if s == nil {
		return nil, nil
	}

	switch s.Kind {
	case KindRef:
		target, ok := types[s.Ref]
		if !ok {
			return nil, &ResolutionError{Command: cmd, Ref: s.Ref, Reason: "reference not defined"}
		}
		if path[s.Ref] {
			return nil, &ResolutionError{Command: cmd, Ref: s.Ref, Reason: "reference cycle detected"}
		}
		if path == nil {
			path = map[string]bool{}
		}
		path[s.Ref] = true
		resolved, err := resolveShape(target, types, cmd, path)
		delete(path, s.Ref)
		if err != nil {
			return nil, err
		}
		if s.Description != "" && resolved.Description == "" {
			cp := *resolved
			cp.Description = s.Description
			return &cp, nil
		}
		return resolved, nil

	case KindObject:
		out := &Shape{
			Kind:        KindObject,
			Description: s.Description,
			Required:    append([]string(nil), s.Required...),
		}
		out.Fields = make([]Field, 0, len(s.Fields))
		for _, f := range s.Fields {
			fs, err := resolveShape(f.Shape, types, cmd, path)
			if err != nil {
				return nil, err
			}
			out.Fields = append(out.Fields, Field{Name: f.Name, Shape: fs})
		}
		return out, nil

	case KindArray:
		items, err := resolveShape(s.Items, types, cmd, path)
		if err != nil {
			return nil, err
		}
		return &Shape{Kind: KindArray, Description: s.Description, Items: items}, nil

	case KindPrimitive:
		return &Shape{
			Kind:        KindPrimitive,
			Type:        s.Type,
			Description: s.Description,
			Enum:        append([]string(nil), s.Enum...),
		}, nil

	default:
		return nil, &ResolutionError{Command: cmd, Reason: fmt.Sprintf("unknown shape kind %q", s.Kind)}
	}
}

// DeriveToolName builds the catalog name for a command:
// {short-category}_{snake_case(command)}, truncated to MaxToolName.
func DeriveToolName(category, command string) string {
	short, ok := categoryShortNames[category]
	if !ok {
		short = snakeCase(category)
	}
	name := short + "_" + snakeCase(command)
	if len(name) > MaxToolName {
		name = strings.TrimRight(name[:MaxToolName], "_")
	}
	return name
}

func snakeCase(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case r == ' ' || r == '-' || r == '.':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return strings.Trim(b.String(), "_")
}

// Fingerprint hashes a resolved descriptor set. Shapes marshal with sorted
// fields, so equal inputs always hash equal; the discovery index artifact
// is invalidated when this changes.
func Fingerprint(descs []*Descriptor) (string, error) {
	h := sha256.New()
	for _, d := range descs {
		data, err := json.Marshal(d)
		if err != nil {
			return "", err
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
