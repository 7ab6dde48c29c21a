package dispatch

import (
	"encoding/json"
	"fmt"
)

// UnknownToolError means the tool name is absent from the catalog. No side
// effects have occurred.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q; use discovery to find available tools", e.Name)
}

// ValidationError reports the first argument violation found, with the
// field path that triggered it. No remote call has been issued.
type ValidationError struct {
	Tool string
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s at %s: %s", e.Tool, e.Path, e.Msg)
}

// UnreachableInstanceError means the requested instance is not currently
// listed by the instance directory.
type UnreachableInstanceError struct {
	Port int
}

func (e *UnreachableInstanceError) Error() string {
	return fmt.Sprintf("no reachable instance on port %d; list instances to find active ports", e.Port)
}

// UpstreamCommandError wraps a failure reported by the remote instance.
// The payload is passed through verbatim and never reinterpreted here;
// transient-vs-fatal classification belongs to the caller.
type UpstreamCommandError struct {
	Tool    string
	Payload json.RawMessage
}

func (e *UpstreamCommandError) Error() string {
	return fmt.Sprintf("upstream command %s failed: %s", e.Tool, string(e.Payload))
}
