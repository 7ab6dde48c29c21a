package session

import "fmt"

// HandleNotFoundError means the handle was never issued, has expired, or
// was released. Handle ids are never reused, so a stale id can only land
// here.
type HandleNotFoundError struct {
	Handle string
}

func (e *HandleNotFoundError) Error() string {
	return fmt.Sprintf("handle %q not found; it may have expired or been released", e.Handle)
}

// InvalidExpressionError reports a predicate or field expression that does
// not parse, or that references a field absent from the source table. No
// handle is created.
type InvalidExpressionError struct {
	Expr string
	Msg  string
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s", e.Expr, e.Msg)
}

// SchemaMismatchError reports incompatible field schemas between derive
// inputs, such as join fields of different types.
type SchemaMismatchError struct {
	Msg string
}

func (e *SchemaMismatchError) Error() string {
	return "schema mismatch: " + e.Msg
}

// CachePressureError means a dataset cannot be admitted because the store
// bounds cannot be satisfied even after evicting everything evictable.
type CachePressureError struct {
	NeedBytes int
	MaxBytes  int
}

func (e *CachePressureError) Error() string {
	return fmt.Sprintf("cache pressure: dataset of %d bytes cannot fit within %d byte bound", e.NeedBytes, e.MaxBytes)
}
