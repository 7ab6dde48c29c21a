package session

import (
	"encoding/json"
	"sort"
	"time"
)

// FieldSpec describes one column of a cached table.
type FieldSpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // string, number, boolean, object, array, null
}

// Table is a cached dataset: an ordered list of rows sharing a field
// schema. Tables are treated as immutable once stored; derives read them
// and produce new tables.
type Table struct {
	Fields []FieldSpec
	Rows   []map[string]any
}

// HandleInfo is the compact summary returned to the agent in place of the
// raw dataset.
type HandleInfo struct {
	Handle    string           `json:"handle"`
	Rows      int              `json:"rows"`
	Bytes     int              `json:"bytes"`
	Fields    []FieldSpec      `json:"fields"`
	Preview   []map[string]any `json:"preview,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

const previewRows = 3

// NewTable builds a table from raw rows, inferring the field schema from
// the union of row keys. Field types come from the first non-null value
// seen per field.
func NewTable(rows []map[string]any) *Table {
	types := map[string]string{}
	var names []string
	for _, row := range rows {
		for name, val := range row {
			if _, seen := types[name]; !seen {
				names = append(names, name)
				types[name] = ""
			}
			if types[name] == "" || types[name] == "null" {
				types[name] = jsonTypeOf(val)
			}
		}
	}
	sort.Strings(names)

	fields := make([]FieldSpec, 0, len(names))
	for _, name := range names {
		typ := types[name]
		if typ == "" {
			typ = "null"
		}
		fields = append(fields, FieldSpec{Name: name, Type: typ})
	}
	return &Table{Fields: fields, Rows: rows}
}

// FromItems decodes raw JSON items into a table. Items that are not
// objects are wrapped under a "value" field so primitive lists still
// tabulate.
func FromItems(items []json.RawMessage) (*Table, error) {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err == nil {
			rows = append(rows, obj)
			continue
		}
		var v any
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, err
		}
		rows = append(rows, map[string]any{"value": v})
	}
	return NewTable(rows), nil
}

// Field returns the column description for a named field.
func (t *Table) Field(name string) (FieldSpec, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// SizeBytes estimates the table's footprint as its JSON encoding length.
func (t *Table) SizeBytes() int {
	data, err := json.Marshal(t.Rows)
	if err != nil {
		return 0
	}
	return len(data)
}

// Preview returns the first few rows for handle summaries.
func (t *Table) Preview() []map[string]any {
	n := previewRows
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.Rows[:n]
}

func jsonTypeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "object"
	}
}
