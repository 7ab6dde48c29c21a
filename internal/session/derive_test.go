package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapirtools/bridge/internal/schema"
)

func elementsTable() *Table {
	return NewTable([]map[string]any{
		{"guid": "e-1", "layer": "A-WALL", "area": float64(12.5)},
		{"guid": "e-2", "layer": "A-SLAB", "area": float64(40.0)},
		{"guid": "e-3", "layer": "A-WALL", "area": float64(7.25)},
	})
}

func putTable(t *testing.T, s *Store, table *Table) string {
	t.Helper()
	info, err := s.Put(table)
	require.NoError(t, err)
	return info.Handle
}

func TestFilter(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	info, err := s.Filter(src, `layer == "A-WALL"`)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Rows)

	out, err := s.Get(info.Handle)
	require.NoError(t, err)
	for _, row := range out.Rows {
		assert.Equal(t, "A-WALL", row["layer"])
	}
}

func TestFilterLeavesSourceUnchanged(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	_, err := s.Filter(src, `area > 10`)
	require.NoError(t, err)

	orig, err := s.Get(src)
	require.NoError(t, err)
	assert.Len(t, orig.Rows, 3)
}

func TestFilterAssignmentCannotMutateSource(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	// A single `=` where `==` was meant is valid JavaScript; the write must
	// land in a scratch copy, never in the cached rows.
	info, err := s.Filter(src, `(layer = "HACKED") && false`)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Rows)

	orig, err := s.Get(src)
	require.NoError(t, err)
	for _, row := range orig.Rows {
		assert.NotEqual(t, "HACKED", row["layer"])
	}
	assert.Equal(t, "A-WALL", orig.Rows[0]["layer"])
}

func TestTransformAssignmentCannotMutateSource(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	info, err := s.Transform(src, "flag", `(area = 0) + 1`)
	require.NoError(t, err)

	out, err := s.Get(info.Handle)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Rows[0]["flag"])

	orig, err := s.Get(src)
	require.NoError(t, err)
	assert.Equal(t, float64(12.5), orig.Rows[0]["area"])
}

func TestDeriveCannotMutateNestedValues(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, NewTable([]map[string]any{
		{"guid": "e-1", "tags": map[string]any{"primary": "wall"}},
	}))

	_, err := s.Filter(src, `(tags.primary = "HACKED") && false`)
	require.NoError(t, err)

	orig, err := s.Get(src)
	require.NoError(t, err)
	tags := orig.Rows[0]["tags"].(map[string]any)
	assert.Equal(t, "wall", tags["primary"])
}

func TestFilterOutputSharesNoRowMaps(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	info, err := s.Filter(src, `layer == "A-WALL"`)
	require.NoError(t, err)

	out, err := s.Get(info.Handle)
	require.NoError(t, err)
	out.Rows[0]["layer"] = "scribbled"

	orig, err := s.Get(src)
	require.NoError(t, err)
	assert.Equal(t, "A-WALL", orig.Rows[0]["layer"])
}

func TestFilterUnknownField(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	var exprErr *InvalidExpressionError
	_, err := s.Filter(src, `no_such_field > 1`)
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, 1, s.Len())
}

func TestFilterSyntaxError(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	var exprErr *InvalidExpressionError
	_, err := s.Filter(src, `layer ==`)
	require.ErrorAs(t, err, &exprErr)

	_, err = s.Filter(src, "   ")
	require.ErrorAs(t, err, &exprErr)
}

func TestTransformAddsField(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	info, err := s.Transform(src, "area_cm2", `area * 10000`)
	require.NoError(t, err)

	out, err := s.Get(info.Handle)
	require.NoError(t, err)
	_, ok := out.Field("area_cm2")
	require.True(t, ok)
	assert.Equal(t, float64(125000), out.Rows[0]["area_cm2"])

	// Source rows were copied, not mutated.
	orig, err := s.Get(src)
	require.NoError(t, err)
	_, ok = orig.Rows[0]["area_cm2"]
	assert.False(t, ok)
}

func TestTransformReplacesField(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, elementsTable())

	info, err := s.Transform(src, "layer", `layer.toLowerCase()`)
	require.NoError(t, err)

	out, err := s.Get(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, "a-wall", out.Rows[0]["layer"])
}

func TestMerge(t *testing.T) {
	s := NewStore(0, 0, 0)
	left := putTable(t, s, elementsTable())
	right := putTable(t, s, NewTable([]map[string]any{
		{"guid": "e-1", "height": float64(3.0)},
		{"guid": "e-3", "height": float64(2.7)},
	}))

	info, err := s.Merge(left, right, "guid")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Rows)

	out, err := s.Get(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, "e-1", out.Rows[0]["guid"])
	assert.Equal(t, float64(3.0), out.Rows[0]["height"])
	assert.Equal(t, "A-WALL", out.Rows[0]["layer"])
}

func TestMergeMissingJoinField(t *testing.T) {
	s := NewStore(0, 0, 0)
	left := putTable(t, s, elementsTable())
	right := putTable(t, s, NewTable([]map[string]any{{"id": "x"}}))

	var mismatch *SchemaMismatchError
	_, err := s.Merge(left, right, "guid")
	require.ErrorAs(t, err, &mismatch)
}

func TestMergeJoinTypeMismatch(t *testing.T) {
	s := NewStore(0, 0, 0)
	left := putTable(t, s, elementsTable())
	right := putTable(t, s, NewTable([]map[string]any{{"guid": float64(1)}}))

	var mismatch *SchemaMismatchError
	_, err := s.Merge(left, right, "guid")
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, err.Error(), "guid")
}

func TestAssemble(t *testing.T) {
	s := NewStore(0, 0, 0)
	guids := putTable(t, s, NewTable([]map[string]any{
		{"guid": "e-1"}, {"guid": "e-2"},
	}))
	areas := putTable(t, s, NewTable([]map[string]any{
		{"value": float64(12.5)}, {"value": float64(40.0)},
	}))

	info, err := s.Assemble(
		[]string{guids, areas},
		[]FieldMapping{
			{Target: "elementId", Source: 0, Field: "guid"},
			{Target: "area", Source: 1, Field: "value"},
		},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Rows)

	out, err := s.Get(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, "e-1", out.Rows[0]["elementId"])
	assert.Equal(t, float64(12.5), out.Rows[0]["area"])
}

func TestAssembleRowCountMismatch(t *testing.T) {
	s := NewStore(0, 0, 0)
	a := putTable(t, s, NewTable([]map[string]any{{"x": float64(1)}}))
	b := putTable(t, s, NewTable([]map[string]any{{"y": float64(1)}, {"y": float64(2)}}))

	var mismatch *SchemaMismatchError
	_, err := s.Assemble(
		[]string{a, b},
		[]FieldMapping{{Target: "x", Source: 0, Field: "x"}, {Target: "y", Source: 1, Field: "y"}},
		nil,
	)
	require.ErrorAs(t, err, &mismatch)
}

func TestAssembleValidatesTargetShape(t *testing.T) {
	s := NewStore(0, 0, 0)
	src := putTable(t, s, NewTable([]map[string]any{{"guid": "e-1"}}))

	target := &schema.Shape{
		Kind: schema.KindObject,
		Fields: []schema.Field{
			{Name: "elements", Shape: &schema.Shape{
				Kind: schema.KindArray,
				Items: &schema.Shape{
					Kind:   schema.KindObject,
					Fields: []schema.Field{{Name: "elementId", Shape: &schema.Shape{Kind: schema.KindPrimitive, Type: "string"}}},
				},
			}},
		},
	}

	_, err := s.Assemble(
		[]string{src},
		[]FieldMapping{{Target: "elementId", Source: 0, Field: "guid"}},
		target,
	)
	require.NoError(t, err)

	var mismatch *SchemaMismatchError
	_, err = s.Assemble(
		[]string{src},
		[]FieldMapping{{Target: "bogus", Source: 0, Field: "guid"}},
		target,
	)
	require.ErrorAs(t, err, &mismatch)
}

func TestDeriveFromUnknownHandle(t *testing.T) {
	s := NewStore(0, 0, 0)

	var notFound *HandleNotFoundError
	_, err := s.Filter("nope", `x > 1`)
	require.ErrorAs(t, err, &notFound)
}
