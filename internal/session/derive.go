package session

import (
	"fmt"
	"reflect"

	"github.com/tapirtools/bridge/internal/schema"
)

// Derive operations are pure with respect to their inputs: they read
// pinned source tables and Put a brand-new table, so an in-flight page or
// chained handle is never invalidated by a later derive.

// Filter creates a new handle holding the rows of src for which the
// predicate expression is true.
func (s *Store) Filter(src string, predicate string) (*HandleInfo, error) {
	expr, err := compileExpr(predicate)
	if err != nil {
		return nil, err
	}

	var out *Table
	err = s.withPinned([]string{src}, func(tables []*Table) error {
		t := tables[0]
		rows := make([]map[string]any, 0, len(t.Rows))
		for _, row := range t.Rows {
			keep, err := expr.evalBool(row)
			if err != nil {
				return err
			}
			if keep {
				// Matching rows are copied so the derived table never
				// shares row maps with its source.
				cp := make(map[string]any, len(row))
				for k, v := range row {
					cp[k] = v
				}
				rows = append(rows, cp)
			}
		}
		out = &Table{Fields: t.Fields, Rows: rows}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Put(out)
}

// Transform creates a new handle with field set (added or replaced) to the
// per-row value of the expression. Source rows are copied, never mutated.
func (s *Store) Transform(src string, field string, expression string) (*HandleInfo, error) {
	if field == "" {
		return nil, &InvalidExpressionError{Expr: expression, Msg: "target field name is empty"}
	}
	expr, err := compileExpr(expression)
	if err != nil {
		return nil, err
	}

	var out *Table
	err = s.withPinned([]string{src}, func(tables []*Table) error {
		t := tables[0]
		rows := make([]map[string]any, 0, len(t.Rows))
		for _, row := range t.Rows {
			val, err := expr.evalValue(row)
			if err != nil {
				return err
			}
			next := make(map[string]any, len(row)+1)
			for k, v := range row {
				next[k] = v
			}
			next[field] = val
			rows = append(rows, next)
		}
		out = NewTable(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Put(out)
}

// Merge creates a new handle holding the inner join of left and right on
// the given field. Join fields must exist on both sides with the same
// type. On field-name conflicts the left value wins.
func (s *Store) Merge(left, right string, on string) (*HandleInfo, error) {
	var out *Table
	err := s.withPinned([]string{left, right}, func(tables []*Table) error {
		lt, rt := tables[0], tables[1]

		lf, ok := lt.Field(on)
		if !ok {
			return &SchemaMismatchError{Msg: fmt.Sprintf("left table has no field %q", on)}
		}
		rf, ok := rt.Field(on)
		if !ok {
			return &SchemaMismatchError{Msg: fmt.Sprintf("right table has no field %q", on)}
		}
		if lf.Type != rf.Type {
			return &SchemaMismatchError{Msg: fmt.Sprintf("join field %q is %s on the left but %s on the right", on, lf.Type, rf.Type)}
		}

		index := make(map[any][]map[string]any, len(rt.Rows))
		for _, row := range rt.Rows {
			key, ok := joinKey(row[on])
			if !ok {
				continue
			}
			index[key] = append(index[key], row)
		}

		var rows []map[string]any
		for _, lrow := range lt.Rows {
			key, ok := joinKey(lrow[on])
			if !ok {
				continue
			}
			for _, rrow := range index[key] {
				merged := make(map[string]any, len(lrow)+len(rrow))
				for k, v := range rrow {
					merged[k] = v
				}
				for k, v := range lrow {
					merged[k] = v
				}
				rows = append(rows, merged)
			}
		}
		out = NewTable(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Put(out)
}

// FieldMapping projects one source field into a target field of an
// assembled table. Source is an index into the handle list.
type FieldMapping struct {
	Target string `json:"target"`
	Source int    `json:"source"`
	Field  string `json:"field"`
}

// Assemble creates a new handle by zipping field projections across
// several source handles of equal row count. When a target shape from the
// catalog is given, every target field must exist in that shape.
func (s *Store) Assemble(handles []string, mappings []FieldMapping, target *schema.Shape) (*HandleInfo, error) {
	if len(handles) == 0 {
		return nil, &SchemaMismatchError{Msg: "assemble requires at least one source handle"}
	}
	if len(mappings) == 0 {
		return nil, &SchemaMismatchError{Msg: "assemble requires at least one field mapping"}
	}
	if target != nil {
		for _, m := range mappings {
			if !shapeHasField(target, m.Target) {
				return nil, &SchemaMismatchError{Msg: fmt.Sprintf("target shape has no field %q", m.Target)}
			}
		}
	}

	var out *Table
	err := s.withPinned(handles, func(tables []*Table) error {
		n := len(tables[0].Rows)
		for i, t := range tables[1:] {
			if len(t.Rows) != n {
				return &SchemaMismatchError{Msg: fmt.Sprintf("source %d has %d rows, expected %d", i+1, len(t.Rows), n)}
			}
		}
		for _, m := range mappings {
			if m.Source < 0 || m.Source >= len(tables) {
				return &SchemaMismatchError{Msg: fmt.Sprintf("mapping for %q references source %d of %d", m.Target, m.Source, len(tables))}
			}
			if _, ok := tables[m.Source].Field(m.Field); !ok {
				return &SchemaMismatchError{Msg: fmt.Sprintf("source %d has no field %q", m.Source, m.Field)}
			}
		}

		rows := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			row := make(map[string]any, len(mappings))
			for _, m := range mappings {
				row[m.Target] = tables[m.Source].Rows[i][m.Field]
			}
			rows = append(rows, row)
		}
		out = NewTable(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Put(out)
}

// joinKey normalizes a join value into a comparable map key. Composite
// values do not join.
func joinKey(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if reflect.TypeOf(v).Comparable() {
		return v, true
	}
	return nil, false
}

func shapeHasField(s *schema.Shape, name string) bool {
	if s == nil {
		return false
	}
	// Result shapes are often an object wrapping a list of rows; accept a
	// field on the object itself or on its row element type.
	if s.Kind == schema.KindArray {
		return shapeHasField(s.Items, name)
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
		if f.Shape != nil && f.Shape.Kind == schema.KindArray && shapeHasField(f.Shape.Items, name) {
			return true
		}
	}
	return false
}
